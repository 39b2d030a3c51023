package semantic

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/resilience"
)

// Error is returned when semantic extraction fails. No partial results
// accompany it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "semantic: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Kind classifies the underlying failure, defaulting to invalid_response.
func (e *Error) Kind() resilience.Kind {
	if k, ok := resilience.KindOf(e.Err); ok {
		return k
	}
	return resilience.KindInvalidResponse
}

// Options tunes an Extractor.
type Options struct {
	Threshold float64
	BatchSize int
	// MinChars skips messages whose trimmed content is shorter.
	MinChars int
}

// Extractor produces semantic candidates.
type Extractor struct {
	index *QueryIndex
	emb   Embedder
	rc    *cache.RequestCache
	opts  Options
}

// NewExtractor returns an Extractor over a built index. rc may be nil.
func NewExtractor(index *QueryIndex, emb Embedder, rc *cache.RequestCache, opts Options) *Extractor {
	if opts.MinChars <= 0 {
		opts.MinChars = 4
	}
	return &Extractor{index: index, emb: emb, rc: rc, opts: opts}
}

// Extract embeds every eligible message and returns those whose best
// query similarity is at or above the threshold, in message order.
func (x *Extractor) Extract(ctx context.Context, messages []model.Message) ([]model.Candidate, error) {
	var (
		eligible []model.Message
		texts    []string
	)
	for _, m := range messages {
		t := strings.TrimSpace(m.Content)
		if len(t) < x.opts.MinChars {
			continue
		}
		eligible = append(eligible, m)
		texts = append(texts, t)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := embedAll(ctx, x.emb, x.rc, x.index.model, texts, x.opts.BatchSize)
	if err != nil {
		return nil, &Error{Op: "embed messages", Err: err}
	}

	var out []model.Candidate
	for i, m := range eligible {
		query, sim := x.index.Best(vecs[i])
		if sim < x.opts.Threshold {
			continue
		}
		conf := min(max(sim, 0), 1)
		out = append(out, model.Candidate{
			MessageID: m.ID,
			Content:   m.Content,
			Sender:    m.Sender,
			Timestamp: m.Timestamp,
			Source: model.Source{
				Type:       model.SourceSemantic,
				Similarity: conf,
				Query:      query,
			},
			Confidence: conf,
			Kind:       model.KindSuggestion,
			URLs:       m.URLs,
		})
	}
	zap.L().Debug("semantic extraction complete",
		zap.Int("messages", len(messages)),
		zap.Int("embedded", len(texts)),
		zap.Int("candidates", len(out)),
	)
	return out, nil
}
