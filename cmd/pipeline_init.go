package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/heuristic"
	"github.com/sells-group/chatmap-cli/internal/pipeline"
	"github.com/sells-group/chatmap-cli/internal/semantic"
	"github.com/sells-group/chatmap-cli/internal/tokens"
	anthropicpkg "github.com/sells-group/chatmap-cli/pkg/anthropic"
	"github.com/sells-group/chatmap-cli/pkg/geocode"
	"github.com/sells-group/chatmap-cli/pkg/jina"
)

// pipelineEnv holds the backend and the pipeline built from cfg.
type pipelineEnv struct {
	Backend  cache.Backend
	Pipeline *pipeline.Pipeline
	close    func()
}

// Close releases the backend.
func (pe *pipelineEnv) Close() {
	if pe.close != nil {
		pe.close()
	}
}

// initPipeline validates cfg, opens the backend and wires every client the
// run needs. A dry run builds no network client at all. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, dryRun bool) (*pipelineEnv, error) {
	mode := "run"
	if dryRun {
		mode = "plan"
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	backend, closeFn, err := openBackend(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Backend: backend, close: closeFn}

	deps, err := buildDeps(ctx, backend, dryRun)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = pipeline.New(cfg, deps)
	return env, nil
}

func buildDeps(ctx context.Context, backend cache.Backend, dryRun bool) (pipeline.Deps, error) {
	rules := heuristic.DefaultRules()
	if cfg.Heuristic.PatternsFile != "" {
		var err error
		rules, err = heuristic.LoadRules(cfg.Heuristic.PatternsFile)
		if err != nil {
			return pipeline.Deps{}, eris.Wrap(err, "load heuristic rules")
		}
	}
	heur, err := heuristic.New(rules, cfg.Heuristic.ContextSize)
	if err != nil {
		return pipeline.Deps{}, eris.Wrap(err, "build heuristic extractor")
	}

	est, err := tokens.New(cfg.Batch.Encoding)
	if err != nil {
		zap.L().Warn("tokenizer unavailable, estimating from character count",
			zap.String("encoding", cfg.Batch.Encoding), zap.Error(err))
	}

	deps := pipeline.Deps{
		Backend:   backend,
		Heuristic: heur,
		Estimator: est,
		Observer:  pipeline.LogObserver{},
	}
	if dryRun {
		return deps, nil
	}

	jinaOpts := []jina.Option{jina.WithRateLimit(cfg.Jina.RateLimit)}
	if cfg.Jina.BaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithBaseURL(cfg.Jina.BaseURL))
	}
	if cfg.Jina.EmbedBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithEmbedBaseURL(cfg.Jina.EmbedBaseURL))
	}
	jinaClient := jina.NewClient(cfg.Jina.Key, jinaOpts...)

	if cfg.Scrape.Enabled {
		deps.Reader = jinaClient
	}
	if cfg.Semantic.Enabled {
		if cfg.Jina.Key == "" {
			zap.L().Warn("semantic extraction enabled without jina.key, skipping")
		} else {
			deps.Semantic, err = buildSemantic(ctx, backend, jinaClient)
			if err != nil {
				zap.L().Warn("semantic index unavailable, using heuristic candidates only", zap.Error(err))
			}
		}
	}

	deps.Classifier = pipeline.NewAnthropicClassifier(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Classify)
	if cfg.Geocode.Enabled {
		var geoOpts []geocode.Option
		if cfg.Geocode.BaseURL != "" {
			geoOpts = append(geoOpts, geocode.WithBaseURL(cfg.Geocode.BaseURL))
		}
		if cfg.Geocode.RateLimit > 0 {
			geoOpts = append(geoOpts, geocode.WithRateLimit(cfg.Geocode.RateLimit))
		}
		deps.Geocoder = geocode.NewClient(cfg.Geocode.Key, geoOpts...)
	}
	return deps, nil
}

// buildSemantic loads the query table and embeds it once for the run.
func buildSemantic(ctx context.Context, backend cache.Backend, emb semantic.Embedder) (pipeline.SemanticExtractor, error) {
	queries := semantic.DefaultQueries()
	if cfg.Semantic.QueriesFile != "" {
		var err error
		queries, err = semantic.LoadQueries(cfg.Semantic.QueriesFile)
		if err != nil {
			return nil, err
		}
	}
	requests := cache.NewRequestCache(backend,
		time.Duration(cfg.Cache.RequestTTLHours)*time.Hour,
		time.Duration(cfg.Cache.FailureTTLHours)*time.Hour,
	)
	index, err := semantic.BuildIndex(ctx, emb, requests, cfg.Semantic.Model, queries, cfg.Semantic.BatchSize)
	if err != nil {
		return nil, err
	}
	return semantic.NewExtractor(index, emb, requests, semantic.Options{
		Threshold: cfg.Semantic.Threshold,
		BatchSize: cfg.Semantic.BatchSize,
	}), nil
}
