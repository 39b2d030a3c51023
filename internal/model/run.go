package model

import "time"

// Run is one pipeline execution over a specific input, identified by the
// content hash of that input.
type Run struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Stage names, in pipeline order.
const (
	StageParse       = "parse"
	StageHeuristic   = "heuristic"
	StageSemantic    = "semantic"
	StageConsolidate = "consolidate"
	StageScrape      = "scrape"
	StagePlan        = "plan"
	StageClassify    = "classify"
	StageAggregate   = "aggregate"
	StageGeocode     = "geocode"
)

// StageOrder lists every stage in execution order.
func StageOrder() []string {
	return []string{
		StageParse,
		StageHeuristic,
		StageSemantic,
		StageConsolidate,
		StageScrape,
		StagePlan,
		StageClassify,
		StageAggregate,
		StageGeocode,
	}
}

// StageStatus is the outcome of a stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusCached   StageStatus = "cached"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageReport summarizes one stage execution.
type StageReport struct {
	ID       string         `json:"id"`
	RunID    string         `json:"run_id"`
	Name     string         `json:"name"`
	Status   StageStatus    `json:"status"`
	Count    int            `json:"count"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks classifier token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
