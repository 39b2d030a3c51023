package semantic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/resilience"
	"github.com/sells-group/chatmap-cli/pkg/jina"
)

// fakeEmbedder maps known texts to fixed vectors and anything else to the
// fallback vector.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, texts []string) (*jina.EmbedResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = f.fallback
		}
	}
	return &jina.EmbedResponse{Embeddings: out}, nil
}

func (f *fakeEmbedder) embedded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for _, c := range f.calls {
		all = append(all, c...)
	}
	return all
}

func newFake() *fakeEmbedder {
	return &fakeEmbedder{
		vectors: map[string][]float32{
			"go hiking":              {1, 0, 0},
			"eat out":                {0, 1, 0},
			"we should hike mt tam":  {0.9, 0.1, 0},
			"try that new sushi bar": {0.2, 0.8, 0},
		},
		fallback: []float32{0, 0, 1},
	}
}

func messages(contents ...string) []model.Message {
	out := make([]model.Message, len(contents))
	for i, c := range contents {
		out[i] = model.Message{ID: int64(i + 1), Sender: "sam", Content: c, Timestamp: time.Unix(int64(i), 0).UTC()}
	}
	return out
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	emb := newFake()
	ix, err := BuildIndex(ctx, emb, nil, "m", []string{"go hiking", "eat out"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Len())
	assert.Equal(t, "m", ix.Model())

	x := NewExtractor(ix, emb, nil, Options{Threshold: 0.7})
	got, err := x.Extract(ctx, messages("we should hike mt tam", "ok", "what's the weather", "try that new sushi bar"))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].MessageID)
	assert.Equal(t, model.SourceSemantic, got[0].Source.Type)
	assert.Equal(t, "go hiking", got[0].Source.Query)
	assert.Equal(t, model.KindSuggestion, got[0].Kind)
	assert.InDelta(t, 0.9939, got[0].Confidence, 1e-3)
	assert.Equal(t, got[0].Confidence, got[0].Source.Similarity)

	assert.Equal(t, int64(4), got[1].MessageID)
	assert.Equal(t, "eat out", got[1].Source.Query)

	assert.NotContains(t, emb.embedded(), "ok", "short messages are not embedded")
}

func TestExtract_ThresholdInclusive(t *testing.T) {
	ctx := context.Background()
	emb := newFake()
	ix, err := BuildIndex(ctx, emb, nil, "m", []string{"go hiking"}, 0)
	require.NoError(t, err)

	x := NewExtractor(ix, emb, nil, Options{Threshold: 1})
	got, err := x.Extract(ctx, messages("go hiking"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Confidence, 1e-9)
}

func TestExtract_BatchesAndCaches(t *testing.T) {
	ctx := context.Background()
	rc := cache.NewRequestCache(cache.NewMemory(), time.Hour, time.Hour)
	emb := newFake()

	ix, err := BuildIndex(ctx, emb, rc, "m", []string{"go hiking", "eat out"}, 2)
	require.NoError(t, err)

	msgs := messages("we should hike mt tam", "try that new sushi bar", "nothing much here")
	x := NewExtractor(ix, emb, rc, Options{Threshold: 0.7, BatchSize: 2})
	first, err := x.Extract(ctx, msgs)
	require.NoError(t, err)
	assert.Len(t, emb.calls, 3, "one query batch and two message batches")

	second, err := x.Extract(ctx, msgs)
	require.NoError(t, err)
	assert.Len(t, emb.calls, 3, "second pass served from cache")
	assert.Equal(t, first, second)

	_, err = BuildIndex(ctx, emb, rc, "m", []string{"go hiking", "eat out"}, 2)
	require.NoError(t, err)
	assert.Len(t, emb.calls, 3)
}

func TestExtract_FailureAbortsWholeStage(t *testing.T) {
	ctx := context.Background()
	emb := newFake()
	ix, err := BuildIndex(ctx, emb, nil, "m", []string{"go hiking"}, 0)
	require.NoError(t, err)

	emb.err = resilience.NewCallError("jina", resilience.KindRateLimit, errors.New("slow down"))
	x := NewExtractor(ix, emb, nil, Options{Threshold: 0.5})
	got, err := x.Extract(ctx, messages("we should hike mt tam"))
	require.Error(t, err)
	assert.Nil(t, got)

	var semErr *Error
	require.ErrorAs(t, err, &semErr)
	assert.Equal(t, resilience.KindRateLimit, semErr.Kind())
	assert.Contains(t, err.Error(), "embed messages")
}

func TestExtract_WrongEmbeddingCount(t *testing.T) {
	ctx := context.Background()
	ix := &QueryIndex{model: "m", queries: []string{"q"}, vectors: [][]float32{{1}}}
	x := NewExtractor(ix, shortEmbedder{}, nil, Options{})
	_, err := x.Extract(ctx, messages("hello there", "another one"))
	require.Error(t, err)

	var semErr *Error
	require.ErrorAs(t, err, &semErr)
	assert.Equal(t, resilience.KindInvalidResponse, semErr.Kind())
}

type shortEmbedder struct{}

func (shortEmbedder) Embed(context.Context, string, []string) (*jina.EmbedResponse, error) {
	return &jina.EmbedResponse{Embeddings: [][]float32{{1}}}, nil
}

func TestExtract_NoEligibleMessages(t *testing.T) {
	emb := newFake()
	ix := &QueryIndex{model: "m", queries: []string{"q"}, vectors: [][]float32{{1, 0, 0}}}
	got, err := NewExtractor(ix, emb, nil, Options{}).Extract(context.Background(), messages("ok", "  "))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, emb.calls)
}

func TestBuildIndex_Empty(t *testing.T) {
	_, err := BuildIndex(context.Background(), newFake(), nil, "m", nil, 0)
	assert.Error(t, err)
}

func TestLoadQueries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queries:\n  - ' go hiking '\n  - ''\n  - eat out\n"), 0o644))

	qs, err := LoadQueries(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"go hiking", "eat out"}, qs)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("queries: []\n"), 0o644))
	_, err = LoadQueries(empty)
	assert.Error(t, err)

	_, err = LoadQueries(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultQueries(t *testing.T) {
	assert.NotEmpty(t, DefaultQueries())
}

// readOnlyBackend rejects every write.
type readOnlyBackend struct {
	cache.Backend
}

func (readOnlyBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk full")
}

func TestBuildIndex_CacheWriteFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	rc := cache.NewRequestCache(readOnlyBackend{Backend: cache.NewMemory()}, time.Hour, time.Hour)
	ix, err := BuildIndex(context.Background(), newFake(), rc, "m", []string{"go hiking", "eat out"}, 2)
	require.NoError(t, err)
	require.NotNil(t, ix)

	warned := logs.FilterMessage("semantic: embedding cache write failed")
	assert.Equal(t, 2, warned.Len())
}
