// Package pipeline runs a chat transcript through extraction, consolidation,
// batching, classification, aggregation and geocoding. Every stage output
// is stored in the run cache, so a repeated run over the same input resumes
// where the previous one stopped.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/aggregate"
	"github.com/sells-group/chatmap-cli/internal/batch"
	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/config"
	"github.com/sells-group/chatmap-cli/internal/consolidate"
	"github.com/sells-group/chatmap-cli/internal/cost"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/resilience"
	"github.com/sells-group/chatmap-cli/internal/tokens"
	"github.com/sells-group/chatmap-cli/pkg/geocode"
	"github.com/sells-group/chatmap-cli/pkg/jina"
)

// estimatedOutputPerCandidate is the classifier output allowance used for
// dry-run cost estimates.
const estimatedOutputPerCandidate = 120

// HeuristicExtractor flags candidates with fixed pattern and URL rules.
type HeuristicExtractor interface {
	Extract(messages []model.Message) []model.Candidate
}

// SemanticExtractor flags candidates by embedding similarity. A failure
// yields no candidates at all.
type SemanticExtractor interface {
	Extract(ctx context.Context, messages []model.Message) ([]model.Candidate, error)
}

// Deps are the collaborators of a Pipeline. Semantic, Reader and Geocoder
// may be nil, which skips their stage.
type Deps struct {
	Backend    cache.Backend
	Heuristic  HeuristicExtractor
	Semantic   SemanticExtractor
	Reader     jina.Client
	Classifier Classifier
	Geocoder   geocode.Client
	Estimator  tokens.Estimator
	Observer   Observer
}

// Pipeline orchestrates the stages of one run.
type Pipeline struct {
	cfg      *config.Config
	deps     Deps
	requests *cache.RequestCache
	costCalc *cost.Calculator
	geoCB    *resilience.CircuitBreaker
}

// New creates a Pipeline. Backend and Heuristic are required.
func New(cfg *config.Config, deps Deps) *Pipeline {
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Estimator == nil {
		deps.Estimator = tokens.CharEstimator{}
	}
	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		requests: cache.NewRequestCache(deps.Backend,
			time.Duration(cfg.Cache.RequestTTLHours)*time.Hour,
			time.Duration(cfg.Cache.FailureTTLHours)*time.Hour,
		),
		costCalc: cost.NewCalculator(ratesFromConfig(cfg.Pricing)),
		geoCB:    resilience.NewCircuitBreaker("geocode", breakerConfig(cfg.Geocode)),
	}
}

// Input is one transcript to process.
type Input struct {
	Messages []model.Message
	// RunID identifies the input; when empty it is derived from Messages.
	RunID     string
	Source    string
	SkipCache bool
	// DryRun skips the network stages, stops after batch planning and
	// reports a cost estimate.
	DryRun bool
}

// Result is the outcome of a run. Fields of stages that did not run are
// left empty.
type Result struct {
	Run               model.Run                  `json:"run"`
	Messages          int                        `json:"messages"`
	Candidates        []model.Candidate          `json:"candidates,omitempty"`
	AgreementsRemoved int                        `json:"agreements_removed"`
	Batches           []model.Batch              `json:"batches,omitempty"`
	Estimate          *cost.Estimate             `json:"estimate,omitempty"`
	Activities        []model.ClassifiedActivity `json:"activities,omitempty"`
	Clusters          []model.Cluster            `json:"clusters,omitempty"`
	Filtered          []model.ClassifiedActivity `json:"filtered,omitempty"`
	Usage             model.TokenUsage           `json:"usage"`
	Stages            []model.StageReport        `json:"stages"`
}

// Run executes every stage for in. Stage failures other than parse,
// consolidate and plan are contained: semantic falls back to heuristic
// candidates, scrape and geocode are soft, classify keeps the batches that
// succeeded.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	runID := in.RunID
	if runID == "" {
		raw, err := json.Marshal(in.Messages)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: hash messages")
		}
		runID = cache.RunIDFromBytes(raw)
	}

	rc, err := cache.OpenRun(ctx, p.deps.Backend, runID, in.Source, in.SkipCache)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: open run")
	}

	st := &runState{p: p, rc: rc, log: zap.L().With(zap.String("run_id", runID))}
	result := &Result{Run: rc.Run(), Messages: len(in.Messages)}
	defer func() { result.Stages = st.reports }()

	st.log.Info("pipeline: starting run",
		zap.String("source", in.Source),
		zap.Int("messages", len(in.Messages)),
		zap.Bool("skip_cache", in.SkipCache),
		zap.Bool("dry_run", in.DryRun),
	)

	messages, err := runStage(ctx, st, model.StageParse, lenOf[model.Message],
		func(context.Context) ([]model.Message, stageInfo, error) {
			return in.Messages, stageInfo{}, nil
		})
	if err != nil {
		return result, err
	}
	if len(messages) == 0 {
		st.skipRest(ctx, model.StageParse, "no messages")
		return result, nil
	}

	heuristic, err := runStage(ctx, st, model.StageHeuristic, lenOf[model.Candidate],
		func(context.Context) ([]model.Candidate, stageInfo, error) {
			return p.deps.Heuristic.Extract(messages), stageInfo{}, nil
		})
	if err != nil {
		return result, err
	}

	var semantic []model.Candidate
	switch {
	case in.DryRun:
		st.skip(ctx, model.StageSemantic, "dry run")
	case p.deps.Semantic == nil || !p.cfg.Semantic.Enabled:
		st.skip(ctx, model.StageSemantic, "disabled")
	default:
		semantic, err = runStage(ctx, st, model.StageSemantic, lenOf[model.Candidate],
			func(ctx context.Context) ([]model.Candidate, stageInfo, error) {
				cs, err := p.deps.Semantic.Extract(ctx, messages)
				return cs, stageInfo{}, err
			})
		if err != nil {
			st.log.Warn("pipeline: semantic extraction failed, using heuristic candidates only", zap.Error(err))
			semantic = nil
		}
	}

	consolidated, err := runStage(ctx, st, model.StageConsolidate,
		func(r consolidate.Result) int { return len(r.Candidates) },
		func(context.Context) (consolidate.Result, stageInfo, error) {
			r := consolidate.Consolidate(heuristic, semantic, p.cfg.Consolidate.AgreementProximity)
			return r, stageInfo{Meta: map[string]any{
				"heuristic":          len(heuristic),
				"semantic":           len(semantic),
				"agreements_removed": r.AgreementsRemoved,
			}}, nil
		})
	if err != nil {
		return result, err
	}
	result.Candidates = consolidated.Candidates
	result.AgreementsRemoved = consolidated.AgreementsRemoved
	if len(consolidated.Candidates) == 0 {
		st.skipRest(ctx, model.StageConsolidate, "no candidates")
		return result, nil
	}

	candidates := consolidated.Candidates
	switch {
	case in.DryRun:
		st.skip(ctx, model.StageScrape, "dry run")
	case p.deps.Reader == nil || !p.cfg.Scrape.Enabled:
		st.skip(ctx, model.StageScrape, "disabled")
	default:
		candidates, err = runStage(ctx, st, model.StageScrape, lenOf[model.Candidate],
			func(ctx context.Context) ([]model.Candidate, stageInfo, error) {
				return p.scrape(ctx, st, consolidated.Candidates)
			})
		if err != nil {
			return result, err
		}
		result.Candidates = candidates
	}

	batches, err := runStage(ctx, st, model.StagePlan, lenOf[model.Batch],
		func(context.Context) ([]model.Batch, stageInfo, error) {
			return p.plan(candidates)
		})
	if err != nil {
		return result, err
	}
	result.Batches = batches

	if in.DryRun {
		est := p.costCalc.EstimateBatches(p.cfg.Classify.Model, batches, estimatedOutputPerCandidate)
		result.Estimate = &est
		st.skipRest(ctx, model.StagePlan, "dry run")
		st.log.Info("pipeline: dry run complete",
			zap.Int("batches", est.Batches),
			zap.Int("input_tokens", est.InputTokens),
			zap.Float64("usd", est.USD),
		)
		return result, nil
	}

	if p.deps.Classifier == nil {
		return result, eris.New("pipeline: no classifier configured")
	}
	classified, err := runStage(ctx, st, model.StageClassify,
		func(o classifyOutput) int { return len(o.Activities) },
		func(ctx context.Context) (classifyOutput, stageInfo, error) {
			return p.classify(ctx, st, batches)
		})
	if err != nil {
		return result, err
	}
	result.Usage = classified.Usage
	if len(classified.Activities) == 0 {
		st.skipRest(ctx, model.StageClassify, "no activities")
		return result, nil
	}

	aggregated, err := runStage(ctx, st, model.StageAggregate,
		func(o aggregateOutput) int { return len(o.Clusters) },
		func(context.Context) (aggregateOutput, stageInfo, error) {
			return p.aggregate(classified.Activities), stageInfo{}, nil
		})
	if err != nil {
		return result, err
	}
	result.Activities = aggregated.Activities
	result.Clusters = aggregated.Clusters
	result.Filtered = aggregated.Filtered
	if len(aggregated.Clusters) == 0 {
		st.skipRest(ctx, model.StageAggregate, "no activities above minimum score")
		return result, nil
	}

	if p.deps.Geocoder == nil || !p.cfg.Geocode.Enabled {
		st.skip(ctx, model.StageGeocode, "disabled")
	} else {
		geocoded, err := runStage(ctx, st, model.StageGeocode,
			func(o aggregateOutput) int { return countGeocoded(o) },
			func(ctx context.Context) (aggregateOutput, stageInfo, error) {
				return p.geocode(ctx, st, aggregated)
			})
		if err != nil {
			return result, err
		}
		result.Activities = geocoded.Activities
		result.Clusters = geocoded.Clusters
	}

	st.log.Info("pipeline: run complete",
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("activities", len(result.Activities)),
		zap.Int("clusters", len(result.Clusters)),
		zap.Float64("cost_usd", result.Usage.Cost),
	)
	return result, nil
}

func (p *Pipeline) plan(candidates []model.Candidate) ([]model.Batch, stageInfo, error) {
	planner := batch.Planner{
		Strategy:           batch.Strategy(p.cfg.Batch.Strategy),
		BatchSize:          p.cfg.Batch.Size,
		ProximityGap:       p.cfg.Batch.ProximityGap,
		TokenBudget:        p.cfg.Batch.TokenBudget,
		SystemPromptTokens: p.cfg.Batch.SystemPromptTokens,
		Estimator:          p.deps.Estimator,
	}
	if err := planner.Validate(); err != nil {
		return nil, stageInfo{}, err
	}
	batches := planner.Plan(candidates)
	total := 0
	for _, b := range batches {
		total += b.EstimatedTokens
	}
	return batches, stageInfo{Meta: map[string]any{
		"strategy":         string(planner.Strategy),
		"estimated_tokens": total,
	}}, nil
}

// aggregateOutput is the cached payload of the aggregate and geocode stages.
type aggregateOutput struct {
	Activities []model.ClassifiedActivity `json:"activities"`
	Clusters   []model.Cluster            `json:"clusters"`
	Filtered   []model.ClassifiedActivity `json:"filtered,omitempty"`
}

// aggregate produces both the fuzzy-deduplicated activity list and the
// normalized-field clusters. Activities below the minimum score are left
// out of both and reported as filtered.
func (p *Pipeline) aggregate(activities []model.ClassifiedActivity) aggregateOutput {
	kept, _ := aggregate.FilterByScore(activities, p.cfg.Aggregate.MinActivityScore)
	clustered := aggregate.Cluster(activities, p.cfg.Aggregate.MinActivityScore)
	return aggregateOutput{
		Activities: aggregate.Dedup(kept, p.cfg.Aggregate.SimilarityThreshold),
		Clusters:   clustered.Clusters,
		Filtered:   clustered.Filtered,
	}
}

func breakerConfig(gc config.GeocodeConfig) resilience.CircuitBreakerConfig {
	cbc := resilience.FromCircuitConfig(gc.CircuitThreshold, gc.CircuitResetSecs)
	cbc.OnStateChange = func(service string, from, to resilience.CircuitState) {
		zap.L().Warn("pipeline: circuit breaker state change",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return cbc
}

func ratesFromConfig(pc config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for name, mp := range pc.Anthropic {
		rates.Anthropic[name] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
			BatchDiscount: mp.BatchDiscount,
		}
	}
	if pc.Jina.PerMTok > 0 {
		rates.Jina.PerMTok = pc.Jina.PerMTok
	}
	if pc.Geocode.PerRequest > 0 {
		rates.Geocode.PerRequest = pc.Geocode.PerRequest
	}
	return rates
}

func lenOf[T any](v []T) int { return len(v) }
