package pipeline

import (
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/model"
)

// Observer receives progress events of a run. Implementations must be safe
// for concurrent use; request cache events fire from worker goroutines.
type Observer interface {
	StageStarted(runID, stage string)
	StageFinished(report model.StageReport)
	RequestCacheHit(kind, key string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) StageStarted(string, string)     {}
func (NopObserver) StageFinished(model.StageReport) {}
func (NopObserver) RequestCacheHit(string, string)  {}

// LogObserver writes events to the global zap logger.
type LogObserver struct{}

func (LogObserver) StageStarted(runID, stage string) {
	zap.L().Debug("stage started", zap.String("run_id", runID), zap.String("stage", stage))
}

func (LogObserver) StageFinished(r model.StageReport) {
	zap.L().Debug("stage finished",
		zap.String("run_id", r.RunID),
		zap.String("stage", r.Name),
		zap.String("status", string(r.Status)),
		zap.Int("count", r.Count),
		zap.Int64("duration_ms", r.Duration),
	)
}

func (LogObserver) RequestCacheHit(kind, key string) {
	zap.L().Debug("request cache hit", zap.String("kind", kind), zap.String("key", key), zap.Bool("cache_hit", true))
}
