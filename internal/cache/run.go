package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/internal/model"
)

const runsPrefix = "runs/"

// RunIDFromBytes derives a run id from the raw input content.
func RunIDFromBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:16])
}

// RunIDFromFile derives a run id from a file's absolute path and
// modification time, without reading its content.
func RunIDFromFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", eris.Wrap(err, "cache: resolve input path")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", eris.Wrap(err, "cache: stat input")
	}
	ident := fmt.Sprintf("%s|%d|%d", abs, info.ModTime().UnixNano(), info.Size())
	return RunIDFromBytes([]byte(ident)), nil
}

func runKey(id string, parts ...string) string {
	return runsPrefix + strings.Join(append([]string{id}, parts...), "/")
}

// RunCache is the stage keyspace of a single run. Stage payloads are opaque
// bytes; GetStageJSON and SetStageJSON add typed decoding on top.
//
// Two processes working on the same run may both compute a stage; the last
// write wins and each write replaces the entry whole.
type RunCache struct {
	backend   Backend
	run       model.Run
	skipCache bool
}

// OpenRun returns the run for id, recording its metadata on first
// observation. With skipCache set every stage reads as absent, so each one
// is recomputed and overwritten; stages that are not rewritten are kept.
func OpenRun(ctx context.Context, backend Backend, id, source string, skipCache bool) (*RunCache, error) {
	if id == "" {
		return nil, eris.New("cache: empty run id")
	}
	run, ok, err := LoadRun(ctx, backend, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		run = model.Run{ID: id, Source: source, CreatedAt: time.Now().UTC()}
		data, err := json.Marshal(run)
		if err != nil {
			return nil, eris.Wrap(err, "cache: encode run")
		}
		if err := backend.Set(ctx, runKey(id, "meta"), data, 0); err != nil {
			return nil, eris.Wrap(err, "cache: save run")
		}
	}
	return &RunCache{backend: backend, run: run, skipCache: skipCache}, nil
}

// Run returns the run metadata.
func (rc *RunCache) Run() model.Run { return rc.run }

// SkipCache reports whether stage reads are bypassed.
func (rc *RunCache) SkipCache() bool { return rc.skipCache }

func (rc *RunCache) stageKey(name string) string {
	return runKey(rc.run.ID, "stages", name)
}

// HasStage reports whether name has a cached payload.
func (rc *RunCache) HasStage(ctx context.Context, name string) (bool, error) {
	_, ok, err := rc.GetStage(ctx, name)
	return ok, err
}

// GetStage returns the cached payload for name.
func (rc *RunCache) GetStage(ctx context.Context, name string) ([]byte, bool, error) {
	if rc.skipCache {
		return nil, false, nil
	}
	data, ok, err := rc.backend.Get(ctx, rc.stageKey(name))
	if err != nil {
		return nil, false, eris.Wrapf(err, "cache: get stage %s", name)
	}
	return data, ok, nil
}

// SetStage stores the payload for name, replacing any previous one.
func (rc *RunCache) SetStage(ctx context.Context, name string, payload []byte) error {
	if err := rc.backend.Set(ctx, rc.stageKey(name), payload, 0); err != nil {
		return eris.Wrapf(err, "cache: set stage %s", name)
	}
	return nil
}

// Stages lists the names of cached stages, ignoring skipCache.
func (rc *RunCache) Stages(ctx context.Context) ([]string, error) {
	prefix := rc.stageKey("")
	keys, err := rc.backend.List(ctx, prefix)
	if err != nil {
		return nil, eris.Wrap(err, "cache: list stages")
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, prefix)
	}
	return names, nil
}

// GetStageJSON decodes the cached payload for name into T.
func GetStageJSON[T any](ctx context.Context, rc *RunCache, name string) (T, bool, error) {
	var v T
	data, ok, err := rc.GetStage(ctx, name)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, eris.Wrapf(err, "cache: decode stage %s", name)
	}
	return v, true, nil
}

// SetStageJSON encodes v and stores it as the payload for name.
func SetStageJSON(ctx context.Context, rc *RunCache, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "cache: encode stage %s", name)
	}
	return rc.SetStage(ctx, name, data)
}

// SaveReport persists a stage report under the run, assigning an id.
func (rc *RunCache) SaveReport(ctx context.Context, report model.StageReport) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	report.RunID = rc.run.ID
	data, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "cache: encode report")
	}
	if err := rc.backend.Set(ctx, runKey(rc.run.ID, "reports", report.Name), data, 0); err != nil {
		return eris.Wrapf(err, "cache: save report %s", report.Name)
	}
	return nil
}

// Reports returns the latest report of each stage of run id, in pipeline
// order.
func Reports(ctx context.Context, backend Backend, id string) ([]model.StageReport, error) {
	prefix := runKey(id, "reports") + "/"
	keys, err := backend.List(ctx, prefix)
	if err != nil {
		return nil, eris.Wrap(err, "cache: list reports")
	}
	reports := make([]model.StageReport, 0, len(keys))
	for _, k := range keys {
		data, ok, err := backend.Get(ctx, k)
		if err != nil {
			return nil, eris.Wrap(err, "cache: get report")
		}
		if !ok {
			continue
		}
		var r model.StageReport
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrapf(err, "cache: decode report %s", k)
		}
		reports = append(reports, r)
	}
	order := model.StageOrder()
	slices.SortStableFunc(reports, func(a, b model.StageReport) int {
		return slices.Index(order, a.Name) - slices.Index(order, b.Name)
	})
	return reports, nil
}

// LoadRun returns the metadata of run id.
func LoadRun(ctx context.Context, backend Backend, id string) (model.Run, bool, error) {
	var run model.Run
	data, ok, err := backend.Get(ctx, runKey(id, "meta"))
	if err != nil {
		return run, false, eris.Wrap(err, "cache: get run")
	}
	if !ok {
		return run, false, nil
	}
	if err := json.Unmarshal(data, &run); err != nil {
		return run, false, eris.Wrapf(err, "cache: decode run %s", id)
	}
	return run, true, nil
}

// ListRuns returns every known run, newest first.
func ListRuns(ctx context.Context, backend Backend) ([]model.Run, error) {
	keys, err := backend.List(ctx, runsPrefix)
	if err != nil {
		return nil, eris.Wrap(err, "cache: list runs")
	}
	var runs []model.Run
	for _, k := range keys {
		rest := strings.TrimPrefix(k, runsPrefix)
		id, tail, _ := strings.Cut(rest, "/")
		if tail != "meta" {
			continue
		}
		run, ok, err := LoadRun(ctx, backend, id)
		if err != nil {
			return nil, err
		}
		if ok {
			runs = append(runs, run)
		}
	}
	slices.SortStableFunc(runs, func(a, b model.Run) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return runs, nil
}
