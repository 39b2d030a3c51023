package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/resilience"
	"github.com/sells-group/chatmap-cli/pkg/geocode"
)

// geocode resolves the location of every cluster representative and every
// deduplicated activity. Each distinct query is resolved once. Failures
// leave the activity without coordinates; an open breaker stops further
// calls for the rest of the stage.
func (p *Pipeline) geocode(ctx context.Context, st *runState, in aggregateOutput) (aggregateOutput, stageInfo, error) {
	var queries []string
	seen := make(map[string]bool)
	add := func(a model.ClassifiedActivity) {
		q := a.LocationText()
		k := strings.ToLower(q)
		if q == "" || seen[k] {
			return
		}
		seen[k] = true
		queries = append(queries, q)
	}
	for _, c := range in.Clusters {
		add(c.Representative)
	}
	for _, a := range in.Activities {
		add(a)
	}

	points := make(map[string]*model.GeoPoint, len(queries))
	var calls, hits, unmatched, failed int
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return aggregateOutput{}, stageInfo{}, err
		}
		res, hit, err := p.lookup(ctx, q)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			failed += len(queries) - i
			st.log.Warn("pipeline: geocoder circuit open, skipping remaining locations",
				zap.Int("skipped", len(queries)-i))
			break
		}
		if hit {
			hits++
			p.deps.Observer.RequestCacheHit(cache.KindGeocode, q)
		} else {
			calls++
		}
		switch {
		case err != nil:
			failed++
			st.log.Debug("pipeline: geocode failed", zap.String("query", q), zap.Error(err))
		case !res.Matched:
			unmatched++
		default:
			points[strings.ToLower(q)] = &model.GeoPoint{
				Latitude:         res.Latitude,
				Longitude:        res.Longitude,
				FormattedAddress: res.FormattedAddress,
			}
		}
	}

	out := aggregateOutput{
		Activities: slices.Clone(in.Activities),
		Clusters:   slices.Clone(in.Clusters),
		Filtered:   in.Filtered,
	}
	for i := range out.Clusters {
		out.Clusters[i].Representative.Geo = points[strings.ToLower(out.Clusters[i].Representative.LocationText())]
	}
	for i := range out.Activities {
		out.Activities[i].Geo = points[strings.ToLower(out.Activities[i].LocationText())]
	}

	return out, stageInfo{
		Meta: map[string]any{
			"queries":    len(queries),
			"matched":    len(points),
			"unmatched":  unmatched,
			"failed":     failed,
			"cache_hits": hits,
			"cost_usd":   p.costCalc.Geocode(calls),
		},
		Partial: failed > 0,
	}, nil
}

// lookup geocodes q through the request cache and the breaker. Non-matches
// are cached like matches; invalid requests are cached as failures.
func (p *Pipeline) lookup(ctx context.Context, q string) (geocode.Result, bool, error) {
	opts := cache.MemoOptions{
		Service: "geocode",
		CacheFailure: func(err error) bool {
			kind, ok := resilience.KindOf(err)
			return ok && kind == resilience.KindInvalidRequest
		},
	}
	return cache.Memo(ctx, p.requests, cache.GeocodeKey(q), opts, func(ctx context.Context) (geocode.Result, error) {
		return resilience.ExecuteVal(ctx, p.geoCB, func(ctx context.Context) (geocode.Result, error) {
			res, err := p.deps.Geocoder.Geocode(ctx, q)
			if err != nil {
				return geocode.Result{}, err
			}
			return *res, nil
		})
	})
}

func countGeocoded(o aggregateOutput) int {
	n := 0
	for _, c := range o.Clusters {
		if c.Representative.Geo != nil {
			n++
		}
	}
	return n
}
