// Package batch plans classification batches from consolidated candidates.
//
// Two strategies are provided. Plan keeps conversational threads together by
// grouping candidates whose message ids are close and packing whole groups
// into fixed-size batches. ByTokens ignores grouping and packs candidates
// until a token budget is reached.
package batch

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/tokens"
)

// Defaults for the planner.
const (
	DefaultBatchSize          = 10
	DefaultProximityGap       = 5
	DefaultTokenBudget        = 4000
	DefaultSystemPromptTokens = 600
)

// Strategy selects how batches are formed.
type Strategy string

const (
	StrategyGrouped Strategy = "grouped"
	StrategyTokens  Strategy = "tokens"
)

// Planner holds batch planning parameters.
type Planner struct {
	Strategy           Strategy
	BatchSize          int
	ProximityGap       int
	TokenBudget        int
	SystemPromptTokens int
	Estimator          tokens.Estimator
}

// DefaultPlanner returns a grouped planner with default limits.
func DefaultPlanner() Planner {
	return Planner{
		Strategy:           StrategyGrouped,
		BatchSize:          DefaultBatchSize,
		ProximityGap:       DefaultProximityGap,
		TokenBudget:        DefaultTokenBudget,
		SystemPromptTokens: DefaultSystemPromptTokens,
		Estimator:          tokens.CharEstimator{},
	}
}

// Validate reports parameter values that would make planning panic.
func (p Planner) Validate() error {
	switch p.Strategy {
	case StrategyGrouped, "":
		if p.BatchSize <= 0 {
			return eris.Errorf("batch: batch size must be positive, got %d", p.BatchSize)
		}
	case StrategyTokens:
		if p.TokenBudget <= 0 {
			return eris.Errorf("batch: token budget must be positive, got %d", p.TokenBudget)
		}
	default:
		return eris.Errorf("batch: unknown strategy %q", p.Strategy)
	}
	return nil
}

// Plan splits candidates into batches using the configured strategy.
func (p Planner) Plan(candidates []model.Candidate) []model.Batch {
	est := p.Estimator
	if est == nil {
		est = tokens.CharEstimator{}
	}
	if p.Strategy == StrategyTokens {
		return ByTokens(candidates, p.TokenBudget, p.SystemPromptTokens, est)
	}
	batches := ByCount(GroupByProximity(candidates, p.ProximityGap), p.BatchSize)
	for i := range batches {
		batches[i].EstimatedTokens = p.SystemPromptTokens + estimateAll(batches[i].Candidates, est)
	}
	return batches
}

// SortByMessageID returns a copy of candidates sorted ascending by message id.
func SortByMessageID(candidates []model.Candidate) []model.Candidate {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b model.Candidate) int {
		switch {
		case a.MessageID < b.MessageID:
			return -1
		case a.MessageID > b.MessageID:
			return 1
		default:
			return 0
		}
	})
	return sorted
}

// GroupByProximity walks candidates in message-id order and starts a new
// group whenever the gap to the previous member exceeds gap.
func GroupByProximity(candidates []model.Candidate, gap int) [][]model.Candidate {
	if len(candidates) == 0 {
		return nil
	}
	sorted := SortByMessageID(candidates)

	var groups [][]model.Candidate
	current := []model.Candidate{sorted[0]}
	for _, c := range sorted[1:] {
		prev := current[len(current)-1]
		if c.MessageID-prev.MessageID > int64(gap) {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, c)
	}
	return append(groups, current)
}

// ByCount packs groups into batches of at most size candidates. A group
// that does not fit in the current batch flushes it first. A group larger
// than size is split at fixed-size boundaries. Panics if size <= 0.
func ByCount(groups [][]model.Candidate, size int) []model.Batch {
	if size <= 0 {
		panic(fmt.Sprintf("batch: batch size must be positive, got %d", size))
	}

	var batches []model.Batch
	var current []model.Candidate
	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, model.Batch{Index: len(batches), Candidates: current})
		current = nil
	}

	for _, g := range groups {
		if len(current)+len(g) > size {
			flush()
		}
		if len(g) > size {
			for chunk := range slices.Chunk(g, size) {
				current = slices.Clone(chunk)
				flush()
			}
			continue
		}
		current = append(current, g...)
	}
	flush()
	return batches
}

// ByTokens packs candidates in message-id order while the running token
// count, seeded with overhead, stays within budget. A batch always holds at
// least one candidate, even when that candidate alone exceeds the budget.
// Panics if budget <= 0.
func ByTokens(candidates []model.Candidate, budget, overhead int, est tokens.Estimator) []model.Batch {
	if budget <= 0 {
		panic(fmt.Sprintf("batch: token budget must be positive, got %d", budget))
	}
	if len(candidates) == 0 {
		return nil
	}

	var batches []model.Batch
	var current []model.Candidate
	running := overhead
	for _, c := range SortByMessageID(candidates) {
		cost := est.Estimate(FormatCandidate(c))
		if len(current) > 0 && running+cost > budget {
			batches = append(batches, model.Batch{Index: len(batches), Candidates: current, EstimatedTokens: running})
			current = nil
			running = overhead
		}
		current = append(current, c)
		running += cost
	}
	return append(batches, model.Batch{Index: len(batches), Candidates: current, EstimatedTokens: running})
}

// FormatCandidate renders the prompt fragment for one candidate: an id
// header followed by the surrounding context, or "sender: content" when no
// context is available.
func FormatCandidate(c model.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Message %d ---\n", c.MessageID)
	if ctx := strings.TrimSpace(c.Context); ctx != "" {
		b.WriteString(ctx)
	} else {
		fmt.Fprintf(&b, "%s: %s", c.Sender, c.Content)
	}
	b.WriteString("\n")
	return b.String()
}

// FormatBatch concatenates the prompt fragments of every candidate.
func FormatBatch(b model.Batch) string {
	var sb strings.Builder
	for _, c := range b.Candidates {
		sb.WriteString(FormatCandidate(c))
		sb.WriteString("\n")
	}
	return sb.String()
}

func estimateAll(cs []model.Candidate, est tokens.Estimator) int {
	total := 0
	for _, c := range cs {
		total += est.Estimate(FormatCandidate(c))
	}
	return total
}
