package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/pkg/anthropic"
	"github.com/sells-group/chatmap-cli/pkg/geocode"
	"github.com/sells-group/chatmap-cli/pkg/jina"
)

// --- Classifier Mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Model() string {
	return "claude-haiku-4-5-20251001"
}

func (m *mockClassifier) Classify(ctx context.Context, b model.Batch) (*Classification, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Classification), args.Error(1)
}

// --- Semantic Mock ---

type mockSemantic struct {
	mock.Mock
}

func (m *mockSemantic) Extract(ctx context.Context, messages []model.Message) ([]model.Candidate, error) {
	args := m.Called(ctx, messages)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Candidate), args.Error(1)
}

// --- Jina Mock ---

type mockJinaClient struct {
	mock.Mock
}

func (m *mockJinaClient) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.ReadResponse), args.Error(1)
}

func (m *mockJinaClient) Embed(ctx context.Context, model string, texts []string) (*jina.EmbedResponse, error) {
	args := m.Called(ctx, model, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.EmbedResponse), args.Error(1)
}

// --- Geocoder Mock ---

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Geocode(ctx context.Context, query string) (*geocode.Result, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*geocode.Result), args.Error(1)
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func (m *mockAnthropicClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.BatchResponse), args.Error(1)
}

func (m *mockAnthropicClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(anthropic.BatchResultIterator), args.Error(1)
}

// batchResults iterates a fixed list of batch results.
type batchResults struct {
	items []anthropic.BatchResultItem
	idx   int
}

func newBatchResults(items ...anthropic.BatchResultItem) *batchResults {
	return &batchResults{items: items, idx: -1}
}

func (r *batchResults) Next() bool {
	if r.idx+1 < len(r.items) {
		r.idx++
		return true
	}
	return false
}

func (r *batchResults) Item() anthropic.BatchResultItem { return r.items[r.idx] }
func (r *batchResults) Err() error                      { return nil }
func (r *batchResults) Close() error                    { return nil }

// --- Heuristic stub ---

// stubHeuristic flags every message whose id is a key of byID.
type stubHeuristic struct {
	byID map[int64]model.Candidate
}

func (s stubHeuristic) Extract(messages []model.Message) []model.Candidate {
	var out []model.Candidate
	for _, m := range messages {
		if c, ok := s.byID[m.ID]; ok {
			c.MessageID = m.ID
			c.Content = m.Content
			c.Sender = m.Sender
			c.Timestamp = m.Timestamp
			c.URLs = m.URLs
			out = append(out, c)
		}
	}
	return out
}

// --- Observer recorder ---

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []model.StageReport
	hits     map[string]int
}

func (o *recordingObserver) StageStarted(_, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, stage)
}

func (o *recordingObserver) StageFinished(r model.StageReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, r)
}

func (o *recordingObserver) RequestCacheHit(kind, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hits == nil {
		o.hits = make(map[string]int)
	}
	o.hits[kind]++
}
