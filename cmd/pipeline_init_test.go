package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/tokens"
)

func TestBuildDeps_DryRunHasNoNetworkClients(t *testing.T) {
	cfg = planConfig(t.TempDir())
	cfg.Scrape.Enabled = true
	cfg.Semantic.Enabled = true
	cfg.Jina.Key = "jina-test"

	deps, err := buildDeps(context.Background(), cache.NewMemory(), true)
	require.NoError(t, err)

	assert.NotNil(t, deps.Heuristic)
	assert.Nil(t, deps.Reader)
	assert.Nil(t, deps.Semantic)
	assert.Nil(t, deps.Classifier)
	assert.Nil(t, deps.Geocoder)
	assert.IsType(t, tokens.CharEstimator{}, deps.Estimator)
}

func TestBuildDeps_RunWiresClassifierAndGeocoder(t *testing.T) {
	cfg = planConfig(t.TempDir())
	cfg.Anthropic.Key = "sk-test"
	cfg.Geocode.Enabled = true
	cfg.Geocode.Key = "geo-test"
	// Semantic without a jina key is skipped rather than failing the run.
	cfg.Semantic.Enabled = true

	deps, err := buildDeps(context.Background(), cache.NewMemory(), false)
	require.NoError(t, err)

	require.NotNil(t, deps.Classifier)
	assert.Equal(t, "claude-haiku-4-5-20251001", deps.Classifier.Model())
	assert.NotNil(t, deps.Geocoder)
	assert.Nil(t, deps.Semantic)
	assert.Nil(t, deps.Reader)
}

func TestBuildDeps_RunWiresReader(t *testing.T) {
	cfg = planConfig(t.TempDir())
	cfg.Anthropic.Key = "sk-test"
	cfg.Scrape.Enabled = true

	deps, err := buildDeps(context.Background(), cache.NewMemory(), false)
	require.NoError(t, err)
	assert.NotNil(t, deps.Reader)
}

func TestBuildDeps_PatternsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
patterns:
  - name: road_trip
    pattern: '(?i)\broad ?trip\b'
    confidence: 0.9
`), 0o644))

	cfg = planConfig(dir)
	cfg.Heuristic.PatternsFile = path
	_, err := buildDeps(context.Background(), cache.NewMemory(), true)
	require.NoError(t, err)

	cfg.Heuristic.PatternsFile = filepath.Join(dir, "missing.yaml")
	_, err = buildDeps(context.Background(), cache.NewMemory(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load heuristic rules")
}

func TestInitPipeline_ValidatesForMode(t *testing.T) {
	cfg = planConfig(t.TempDir())
	cfg.Batch.Size = 0

	_, err := initPipeline(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.size")
}

func TestInitPipeline_DryRun(t *testing.T) {
	cfg = planConfig(t.TempDir())

	env, err := initPipeline(context.Background(), true)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Pipeline)
	assert.IsType(t, &cache.FileBackend{}, env.Backend)
}
