package pipeline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
)

// stageInfo is what a stage body reports besides its output.
type stageInfo struct {
	Meta map[string]any
	// Partial marks output that must not be stored, so the next run
	// recomputes the stage.
	Partial bool
}

type runState struct {
	p   *Pipeline
	rc  *cache.RunCache
	log *zap.Logger

	mu      sync.Mutex
	reports []model.StageReport

	// dirty is set once a stage has been computed in this run. Cached
	// output of later stages was derived from older inputs and is ignored.
	dirty bool
}

func (st *runState) runID() string { return st.rc.Run().ID }

func (st *runState) record(ctx context.Context, report model.StageReport) {
	report.ID = uuid.NewString()
	if err := st.rc.SaveReport(ctx, report); err != nil {
		st.log.Warn("pipeline: failed to save stage report", zap.String("stage", report.Name), zap.Error(err))
	}
	st.mu.Lock()
	st.reports = append(st.reports, report)
	st.mu.Unlock()
	st.p.deps.Observer.StageFinished(report)
}

// runStage returns the cached output of stage name, or computes, stores and
// returns it. count sizes the output for the stage report.
func runStage[T any](ctx context.Context, st *runState, name string, count func(T) int, fn func(context.Context) (T, stageInfo, error)) (T, error) {
	st.p.deps.Observer.StageStarted(st.runID(), name)

	var (
		cached T
		ok     bool
		err    error
	)
	if !st.dirty {
		cached, ok, err = cache.GetStageJSON[T](ctx, st.rc, name)
		if err != nil {
			st.log.Warn("pipeline: unreadable stage cache, recomputing", zap.String("stage", name), zap.Error(err))
		}
	}
	if ok {
		st.log.Info("pipeline: stage cached", zap.String("stage", name), zap.Int("count", count(cached)))
		st.record(ctx, model.StageReport{
			RunID:  st.runID(),
			Name:   name,
			Status: model.StageStatusCached,
			Count:  count(cached),
		})
		return cached, nil
	}

	st.dirty = true
	start := time.Now()
	out, info, fnErr := fn(ctx)
	report := model.StageReport{
		RunID:    st.runID(),
		Name:     name,
		Duration: time.Since(start).Milliseconds(),
		Metadata: info.Meta,
	}

	if fnErr != nil {
		report.Status = model.StageStatusFailed
		report.Error = fnErr.Error()
		st.log.Error("pipeline: stage failed",
			zap.String("stage", name),
			zap.Int64("duration_ms", report.Duration),
			zap.Error(fnErr),
		)
		st.record(ctx, report)
		var zero T
		return zero, fnErr
	}

	report.Status = model.StageStatusComplete
	report.Count = count(out)
	if info.Partial {
		if report.Metadata == nil {
			report.Metadata = map[string]any{}
		}
		report.Metadata["partial"] = true
	} else if err := cache.SetStageJSON(ctx, st.rc, name, out); err != nil {
		st.log.Warn("pipeline: failed to store stage", zap.String("stage", name), zap.Error(err))
	}

	st.log.Info("pipeline: stage complete",
		zap.String("stage", name),
		zap.Int("count", report.Count),
		zap.Int64("duration_ms", report.Duration),
	)
	st.record(ctx, report)
	return out, nil
}

// skip records name as skipped without touching its cached output.
func (st *runState) skip(ctx context.Context, name, reason string) {
	st.log.Info("pipeline: stage skipped", zap.String("stage", name), zap.String("reason", reason))
	st.record(ctx, model.StageReport{
		RunID:    st.runID(),
		Name:     name,
		Status:   model.StageStatusSkipped,
		Metadata: map[string]any{"reason": reason},
	})
}

// skipRest skips every stage after last.
func (st *runState) skipRest(ctx context.Context, last, reason string) {
	order := model.StageOrder()
	i := slices.Index(order, last)
	for _, name := range order[i+1:] {
		st.skip(ctx, name, reason)
	}
}
