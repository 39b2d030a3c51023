// Package cost prices external API usage and estimates classification spend
// before any call is made.
package cost

import (
	"github.com/sells-group/chatmap-cli/internal/model"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaRate             `yaml:"jina" mapstructure:"jina"`
	Geocode   GeocodeRate          `yaml:"geocode" mapstructure:"geocode"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
	// BatchDiscount multiplies every Message Batches charge. Zero means
	// no discount.
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
}

// JinaRate holds Jina Reader and embeddings pricing.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// GeocodeRate holds geocoder pricing.
type GeocodeRate struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(modelName string, usage model.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[modelName]
	if !ok {
		return 0
	}

	inCost := (float64(usage.InputTokens) / 1e6) * rate.Input
	outCost := (float64(usage.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(usage.CacheCreationTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(usage.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// ClaudeBatch computes the cost of usage billed through Message Batches.
func (c *Calculator) ClaudeBatch(modelName string, usage model.TokenUsage) float64 {
	cost := c.Claude(modelName, usage)
	if d := c.rates.Anthropic[modelName].BatchDiscount; d > 0 {
		cost *= d
	}
	return cost
}

// Jina computes the cost for Jina token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// Geocode returns the cost of n geocoding requests.
func (c *Calculator) Geocode(n int) float64 {
	return float64(n) * c.rates.Geocode.PerRequest
}

// Estimate is the projected spend of classifying a set of batches.
type Estimate struct {
	Model        string  `json:"model"`
	Batches      int     `json:"batches"`
	Candidates   int     `json:"candidates"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// EstimateBatches projects the cost of sending every batch to modelName once.
// Input tokens come from each batch's estimate; output is assumed to be
// outputPerCandidate tokens for every candidate.
func (c *Calculator) EstimateBatches(modelName string, batches []model.Batch, outputPerCandidate int) Estimate {
	est := Estimate{Model: modelName, Batches: len(batches)}
	for _, b := range batches {
		est.Candidates += len(b.Candidates)
		est.InputTokens += b.EstimatedTokens
		est.OutputTokens += len(b.Candidates) * outputPerCandidate
	}
	est.USD = c.Claude(modelName, model.TokenUsage{InputTokens: est.InputTokens, OutputTokens: est.OutputTokens})
	return est
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1, BatchDiscount: 0.5,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1, BatchDiscount: 0.5,
			},
		},
		Jina:    JinaRate{PerMTok: 0.02},
		Geocode: GeocodeRate{PerRequest: 0.005},
	}
}
