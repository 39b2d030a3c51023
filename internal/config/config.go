package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Heuristic   HeuristicConfig   `yaml:"heuristic" mapstructure:"heuristic"`
	Semantic    SemanticConfig    `yaml:"semantic" mapstructure:"semantic"`
	Consolidate ConsolidateConfig `yaml:"consolidate" mapstructure:"consolidate"`
	Batch       BatchConfig       `yaml:"batch" mapstructure:"batch"`
	Classify    ClassifyConfig    `yaml:"classify" mapstructure:"classify"`
	Scrape      ScrapeConfig      `yaml:"scrape" mapstructure:"scrape"`
	Aggregate   AggregateConfig   `yaml:"aggregate" mapstructure:"aggregate"`
	Geocode     GeocodeConfig     `yaml:"geocode" mapstructure:"geocode"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Jina        JinaConfig        `yaml:"jina" mapstructure:"jina"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// CacheConfig configures stage and request caching.
type CacheConfig struct {
	// Driver is one of file, sqlite, postgres or memory.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`

	RequestTTLHours int `yaml:"request_ttl_hours" mapstructure:"request_ttl_hours"`
	FailureTTLHours int `yaml:"failure_ttl_hours" mapstructure:"failure_ttl_hours"`
}

// HeuristicConfig configures the pattern and URL extractor.
type HeuristicConfig struct {
	PatternsFile string `yaml:"patterns_file" mapstructure:"patterns_file"`
	ContextSize  int    `yaml:"context_size" mapstructure:"context_size"`
}

// SemanticConfig configures embedding-based candidate extraction.
type SemanticConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Threshold   float64 `yaml:"threshold" mapstructure:"threshold"`
	QueriesFile string  `yaml:"queries_file" mapstructure:"queries_file"`
	Model       string  `yaml:"model" mapstructure:"model"`
	BatchSize   int     `yaml:"batch_size" mapstructure:"batch_size"`
}

// ConsolidateConfig configures candidate merging.
type ConsolidateConfig struct {
	// AgreementProximity <= 0 disables agreement removal.
	AgreementProximity int `yaml:"agreement_proximity" mapstructure:"agreement_proximity"`
}

// BatchConfig configures classification batch planning.
type BatchConfig struct {
	Strategy           string `yaml:"strategy" mapstructure:"strategy"`
	Size               int    `yaml:"size" mapstructure:"size"`
	ProximityGap       int    `yaml:"proximity_gap" mapstructure:"proximity_gap"`
	TokenBudget        int    `yaml:"token_budget" mapstructure:"token_budget"`
	SystemPromptTokens int    `yaml:"system_prompt_tokens" mapstructure:"system_prompt_tokens"`
	Encoding           string `yaml:"encoding" mapstructure:"encoding"`
}

// Classify modes.
const (
	ClassifyModeMessages = "messages"
	ClassifyModeBatch    = "batch"
)

// ClassifyConfig configures the classify stage.
type ClassifyConfig struct {
	Model       string      `yaml:"model" mapstructure:"model"`
	MaxTokens   int         `yaml:"max_tokens" mapstructure:"max_tokens"`
	Concurrency int         `yaml:"concurrency" mapstructure:"concurrency"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
	// Mode is messages (one call per batch) or batch (one Message Batch
	// for the whole run, billed at the batch discount).
	Mode             string `yaml:"mode" mapstructure:"mode"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutMins  int    `yaml:"poll_timeout_mins" mapstructure:"poll_timeout_mins"`
}

// RetryConfig configures retries around classifier calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ScrapeConfig configures URL metadata fetching.
type ScrapeConfig struct {
	Enabled     bool `yaml:"enabled" mapstructure:"enabled"`
	Concurrency int  `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutMs   int  `yaml:"timeout_ms" mapstructure:"timeout_ms"`
}

// AggregateConfig configures dedup and clustering.
type AggregateConfig struct {
	MinActivityScore    float64 `yaml:"min_activity_score" mapstructure:"min_activity_score"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// GeocodeConfig configures cluster geocoding.
type GeocodeConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	Key              string  `yaml:"key" mapstructure:"key"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// JinaConfig holds Jina Reader and embeddings settings.
type JinaConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	EmbedBaseURL string  `yaml:"embed_base_url" mapstructure:"embed_base_url"`
	RateLimit    float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Geocode   GeocodePricing          `yaml:"geocode" mapstructure:"geocode"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
}

// JinaPricing holds Jina pricing.
type JinaPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// GeocodePricing holds geocoder pricing.
type GeocodePricing struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// ServerConfig configures the inspection API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHATMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("cache.driver", "file")
	v.SetDefault("cache.dir", ".chatmap")
	v.SetDefault("cache.request_ttl_hours", 24*30)
	v.SetDefault("cache.failure_ttl_hours", 24)
	v.SetDefault("heuristic.context_size", 2)
	v.SetDefault("semantic.enabled", false)
	v.SetDefault("semantic.threshold", 0.5)
	v.SetDefault("semantic.model", "jina-embeddings-v3")
	v.SetDefault("semantic.batch_size", 64)
	v.SetDefault("consolidate.agreement_proximity", 5)
	v.SetDefault("batch.strategy", "grouped")
	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.proximity_gap", 5)
	v.SetDefault("batch.token_budget", 4000)
	v.SetDefault("batch.system_prompt_tokens", 600)
	v.SetDefault("batch.encoding", "cl100k_base")
	v.SetDefault("classify.model", "claude-haiku-4-5-20251001")
	v.SetDefault("classify.max_tokens", 4096)
	v.SetDefault("classify.concurrency", 5)
	v.SetDefault("classify.retry.max_attempts", 3)
	v.SetDefault("classify.retry.initial_backoff_ms", 500)
	v.SetDefault("classify.retry.max_backoff_ms", 30000)
	v.SetDefault("classify.mode", ClassifyModeMessages)
	v.SetDefault("classify.poll_interval_secs", 5)
	v.SetDefault("classify.poll_timeout_mins", 60)
	v.SetDefault("scrape.enabled", true)
	v.SetDefault("scrape.concurrency", 5)
	v.SetDefault("scrape.timeout_ms", 4000)
	v.SetDefault("aggregate.min_activity_score", 0.0)
	v.SetDefault("aggregate.similarity_threshold", 0.8)
	v.SetDefault("geocode.enabled", true)
	v.SetDefault("geocode.base_url", "https://maps.googleapis.com/maps/api/geocode/json")
	v.SetDefault("geocode.rate_limit", 10.0)
	v.SetDefault("geocode.circuit_threshold", 5)
	v.SetDefault("geocode.circuit_reset_secs", 30)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.embed_base_url", "https://api.jina.ai/v1")
	v.SetDefault("jina.rate_limit", 5.0)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.geocode.per_request", 0.005)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode: run, plan,
// serve or cache.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Semantic.Enabled && c.Jina.Key == "" {
			errs = append(errs, "jina.key is required when semantic.enabled")
		}
		if c.Geocode.Enabled && c.Geocode.Key == "" {
			errs = append(errs, "geocode.key is required when geocode.enabled")
		}
	case "plan", "cache":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Cache.Driver {
	case "file", "memory":
	case "sqlite":
		if c.Cache.Dir == "" {
			errs = append(errs, "cache.dir is required for sqlite")
		}
	case "postgres":
		if c.Cache.DatabaseURL == "" {
			errs = append(errs, "cache.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be one of file, sqlite, postgres, memory", c.Cache.Driver))
	}

	switch c.Batch.Strategy {
	case "grouped", "tokens":
	default:
		errs = append(errs, fmt.Sprintf("batch.strategy %q must be grouped or tokens", c.Batch.Strategy))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, "batch.size must be > 0")
	}
	if c.Batch.TokenBudget <= 0 {
		errs = append(errs, "batch.token_budget must be > 0")
	}
	if c.Batch.ProximityGap < 0 {
		errs = append(errs, "batch.proximity_gap must be >= 0")
	}
	if c.Classify.Concurrency < 1 || c.Classify.Concurrency > 50 {
		errs = append(errs, "classify.concurrency must be between 1 and 50")
	}
	switch c.Classify.Mode {
	case "", ClassifyModeMessages, ClassifyModeBatch:
	default:
		errs = append(errs, fmt.Sprintf("classify.mode %q must be messages or batch", c.Classify.Mode))
	}
	if c.Scrape.Concurrency < 1 || c.Scrape.Concurrency > 50 {
		errs = append(errs, "scrape.concurrency must be between 1 and 50")
	}
	if c.Semantic.Threshold < 0 || c.Semantic.Threshold > 1 {
		errs = append(errs, "semantic.threshold must be between 0 and 1")
	}
	if c.Aggregate.SimilarityThreshold < 0 || c.Aggregate.SimilarityThreshold > 1 {
		errs = append(errs, "aggregate.similarity_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
