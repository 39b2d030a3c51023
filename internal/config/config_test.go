package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Cache.Driver)
	assert.Equal(t, ".chatmap", cfg.Cache.Dir)
	assert.Equal(t, 720, cfg.Cache.RequestTTLHours)
	assert.Equal(t, 24, cfg.Cache.FailureTTLHours)
	assert.Equal(t, 5, cfg.Consolidate.AgreementProximity)
	assert.Equal(t, "grouped", cfg.Batch.Strategy)
	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 5, cfg.Batch.ProximityGap)
	assert.Equal(t, 4000, cfg.Batch.TokenBudget)
	assert.Equal(t, 600, cfg.Batch.SystemPromptTokens)
	assert.Equal(t, "cl100k_base", cfg.Batch.Encoding)
	assert.Equal(t, 5, cfg.Classify.Concurrency)
	assert.Equal(t, 3, cfg.Classify.Retry.MaxAttempts)
	assert.Equal(t, ClassifyModeMessages, cfg.Classify.Mode)
	assert.Equal(t, 5, cfg.Classify.PollIntervalSecs)
	assert.True(t, cfg.Scrape.Enabled)
	assert.Equal(t, 5, cfg.Scrape.Concurrency)
	assert.Equal(t, 4000, cfg.Scrape.TimeoutMs)
	assert.False(t, cfg.Semantic.Enabled)
	assert.InDelta(t, 0.5, cfg.Semantic.Threshold, 0.001)
	assert.InDelta(t, 0.8, cfg.Aggregate.SimilarityThreshold, 0.001)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
cache:
  driver: sqlite
batch:
  strategy: tokens
  token_budget: 2000
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, "tokens", cfg.Batch.Strategy)
	assert.Equal(t, 2000, cfg.Batch.TokenBudget)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Batch.Size)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
cache:
  driver: sqlite
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CHATMAP_CACHE_DRIVER", "memory")
	t.Setenv("CHATMAP_CONSOLIDATE_AGREEMENT_PROXIMITY", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 0, cfg.Consolidate.AgreementProximity)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Cache.Driver = "file"
	cfg.Cache.Dir = ".chatmap"
	cfg.Batch.Strategy = "grouped"
	cfg.Batch.Size = 10
	cfg.Batch.ProximityGap = 5
	cfg.Batch.TokenBudget = 4000
	cfg.Classify.Concurrency = 5
	cfg.Scrape.Concurrency = 5
	cfg.Semantic.Threshold = 0.5
	cfg.Aggregate.SimilarityThreshold = 0.8
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_MissingKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Semantic.Enabled = true
	cfg.Geocode.Enabled = true

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "jina.key is required")
	assert.Contains(t, err.Error(), "geocode.key is required")
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidatePlan_NoKeysNeeded(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("plan"))
}

func TestValidateBatchBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.Size = 0
	cfg.Batch.TokenBudget = -1
	cfg.Batch.Strategy = "random"

	err := cfg.Validate("plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.size must be > 0")
	assert.Contains(t, err.Error(), "batch.token_budget must be > 0")
	assert.Contains(t, err.Error(), "batch.strategy")
}

func TestValidateCacheDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Cache.Driver = "postgres"
	err := cfg.Validate("cache")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.database_url is required")

	cfg.Cache.DatabaseURL = "postgres://localhost/chatmap"
	assert.NoError(t, cfg.Validate("cache"))

	cfg.Cache.Driver = "redis"
	assert.Error(t, cfg.Validate("cache"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Classify.Concurrency = 51
	err := cfg.Validate("plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classify.concurrency must be between 1 and 50")
}

func TestValidateClassifyMode(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"", ClassifyModeMessages, ClassifyModeBatch} {
		cfg.Classify.Mode = mode
		assert.NoError(t, cfg.Validate("plan"), mode)
	}

	cfg.Classify.Mode = "stream"
	err := cfg.Validate("plan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `classify.mode "stream" must be messages or batch`)
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
