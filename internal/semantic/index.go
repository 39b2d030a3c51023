// Package semantic flags messages whose embedding is close to one of a
// fixed set of activity-describing queries.
package semantic

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/pkg/jina"
)

// Embedder turns texts into vectors. jina.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) (*jina.EmbedResponse, error)
}

// DefaultQueries returns the built-in query set.
func DefaultQueries() []string {
	return []string{
		"we should go there sometime",
		"let's try this restaurant",
		"a place I want to visit",
		"something fun to do together this weekend",
		"a trip we should take",
		"an event or concert we could go to",
		"a hike or outdoor activity to try",
		"a bar or cafe to check out",
		"an activity on our bucket list",
		"a show or exhibition worth seeing",
	}
}

type queryFile struct {
	Queries []string `yaml:"queries"`
}

// LoadQueries reads a YAML file of the form `queries: [...]`.
func LoadQueries(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "semantic: read queries %s", path)
	}
	var f queryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "semantic: parse queries")
	}
	var out []string
	for _, q := range f.Queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, eris.Errorf("semantic: %s has no queries", path)
	}
	return out, nil
}

// QueryIndex holds the embedded query set. It is built once and read
// concurrently afterwards.
type QueryIndex struct {
	model   string
	queries []string
	vectors [][]float32
}

// BuildIndex embeds queries with model. rc may be nil.
func BuildIndex(ctx context.Context, emb Embedder, rc *cache.RequestCache, model string, queries []string, batchSize int) (*QueryIndex, error) {
	if len(queries) == 0 {
		return nil, eris.New("semantic: no queries")
	}
	vecs, err := embedAll(ctx, emb, rc, model, queries, batchSize)
	if err != nil {
		return nil, &Error{Op: "embed queries", Err: err}
	}
	return &QueryIndex{model: model, queries: queries, vectors: vecs}, nil
}

// Len returns the number of queries.
func (ix *QueryIndex) Len() int { return len(ix.queries) }

// Model returns the embedding model the index was built with.
func (ix *QueryIndex) Model() string { return ix.model }

// Best returns the query most similar to v and its cosine similarity.
func (ix *QueryIndex) Best(v []float32) (string, float64) {
	best, bestSim := "", math.Inf(-1)
	for i, q := range ix.vectors {
		if s := Cosine(v, q); s > bestSim {
			best, bestSim = ix.queries[i], s
		}
	}
	return best, bestSim
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// embedAll embeds texts in batches, reading and filling the request cache
// per text. Any failed call fails the whole set.
func embedAll(ctx context.Context, emb Embedder, rc *cache.RequestCache, model string, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 64
	}
	out := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		if v, ok := cachedVector(ctx, rc, model, t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += batchSize {
		idx := missing[start:min(start+batchSize, len(missing))]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}
		resp, err := emb.Embed(ctx, model, batch)
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, eris.Errorf("semantic: expected %d embeddings, got %d", len(batch), len(resp.Embeddings))
		}
		for j, i := range idx {
			out[i] = resp.Embeddings[j]
			if rc != nil {
				if err := rc.PutSuccess(ctx, cache.EmbedKey(model, texts[i]), resp.Embeddings[j]); err != nil {
					zap.L().Warn("semantic: embedding cache write failed", zap.Error(err))
				}
			}
		}
	}
	return out, nil
}

func cachedVector(ctx context.Context, rc *cache.RequestCache, model, text string) ([]float32, bool) {
	if rc == nil {
		return nil, false
	}
	e, ok, err := rc.Get(ctx, cache.EmbedKey(model, text))
	if err != nil || !ok || e.Failed {
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(e.Payload, &v); err != nil || len(v) == 0 {
		return nil, false
	}
	return v, true
}
