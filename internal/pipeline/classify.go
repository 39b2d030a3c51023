package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chatmap-cli/internal/aggregate"
	"github.com/sells-group/chatmap-cli/internal/batch"
	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/config"
	"github.com/sells-group/chatmap-cli/internal/model"
	"github.com/sells-group/chatmap-cli/internal/resilience"
	"github.com/sells-group/chatmap-cli/pkg/anthropic"
)

const defaultClassifyConcurrency = 5

// Categories accepted from the classifier. Anything else becomes "other".
var Categories = []string{
	"food", "drinks", "nightlife", "nature", "outdoors", "sports", "fitness",
	"arts", "culture", "music", "entertainment", "events", "travel",
	"shopping", "learning", "wellness", "games", "other",
}

// Classification is the classifier's answer for one batch.
type Classification struct {
	Activities []model.ClassifiedActivity `json:"activities"`
	Usage      model.TokenUsage           `json:"usage"`
}

// Classifier turns a batch of candidates into validated activities.
// Errors are *resilience.CallError values.
type Classifier interface {
	Model() string
	Classify(ctx context.Context, b model.Batch) (*Classification, error)
}

const classifySystemPrompt = `You find activities in group chat messages: places to go, things to do, food to try, trips to take, events to attend.

For every message that suggests or mentions a concrete activity, return one JSON object. Ignore messages that mention none. Reply with a JSON array only, no prose. Use [] when nothing qualifies.

Fields:
- messageId (number): the id from the "--- Message N ---" header
- activity (string): a short title, e.g. "Hike the Routeburn Track"
- category (string): one of ` + "food, drinks, nightlife, nature, outdoors, sports, fitness, arts, culture, music, entertainment, events, travel, shopping, learning, wellness, games, other" + `
- funScore (number 0-1): how fun it sounds
- interestingScore (number 0-1): how unusual or interesting it is
- confidence (number 0-1): how sure you are this is a real activity suggestion
- location (string, optional): free-text location as written
- action, object, venue, city, country (strings, optional): lowercase normalized parts, e.g. action "hike", object "routeburn track", city "queenstown", country "new zealand"
- isComplete (boolean): true when action plus the location fields fully describe the activity, false for compound or vague ones`

// BatchClassifier classifies many batches in one asynchronous submission.
// The result holds one entry per batch, in order.
type BatchClassifier interface {
	Classifier
	ClassifyAll(ctx context.Context, batches []model.Batch) ([]BatchResult, error)
}

// BatchResult is the outcome of one batch of a ClassifyAll call. Exactly
// one of Classification and Err is set.
type BatchResult struct {
	Classification *Classification
	Err            error
}

// AnthropicClassifier classifies batches with the Messages API, or all at
// once with Message Batches.
type AnthropicClassifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	pollOpts  []anthropic.PollOption
}

// NewAnthropicClassifier creates a classifier using cfg's model, token cap
// and batch polling settings.
func NewAnthropicClassifier(client anthropic.Client, cfg config.ClassifyConfig) *AnthropicClassifier {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClassifier{
		client:    client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		pollOpts: []anthropic.PollOption{
			anthropic.WithPollInterval(time.Duration(cfg.PollIntervalSecs) * time.Second),
			anthropic.WithPollTimeout(time.Duration(cfg.PollTimeoutMins) * time.Minute),
		},
	}
}

// Model returns the model name.
func (c *AnthropicClassifier) Model() string { return c.model }

func (c *AnthropicClassifier) request(b model.Batch) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(classifySystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: BuildClassifyPrompt(b)}},
	}
}

// Classify sends one batch and parses the reply.
func (c *AnthropicClassifier) Classify(ctx context.Context, b model.Batch) (*Classification, error) {
	resp, err := c.client.CreateMessage(ctx, c.request(b))
	if err != nil {
		return nil, err
	}
	return c.fromResponse(resp, b)
}

// ClassifyAll submits every batch as one Message Batch, waits for it to end
// and parses each result. Items that did not succeed fail alone; an error is
// returned only when the submission itself fails.
func (c *AnthropicClassifier) ClassifyAll(ctx context.Context, batches []model.Batch) ([]BatchResult, error) {
	req := anthropic.BatchRequest{Requests: make([]anthropic.BatchRequestItem, len(batches))}
	for i, b := range batches {
		req.Requests[i] = anthropic.BatchRequestItem{CustomID: batchCustomID(i), Params: c.request(b)}
	}

	collected, err := anthropic.RunBatch(ctx, c.client, req, c.pollOpts...)
	if err != nil {
		if _, ok := resilience.KindOf(err); !ok {
			err = resilience.NewCallError("anthropic", resilience.KindNetwork, err)
		}
		return nil, err
	}

	failures := make(map[string]string, len(collected.Failures))
	for _, f := range collected.Failures {
		failures[f.CustomID] = f.Type
	}

	out := make([]BatchResult, len(batches))
	for i, b := range batches {
		id := batchCustomID(i)
		resp, ok := collected.Succeeded[id]
		if !ok {
			status := failures[id]
			if status == "" {
				status = "missing"
			}
			out[i].Err = resilience.NewCallError("anthropic", resilience.KindNetwork,
				eris.Errorf("batch item %s %s", id, status))
			continue
		}
		out[i].Classification, out[i].Err = c.fromResponse(resp, b)
	}
	return out, nil
}

func (c *AnthropicClassifier) fromResponse(resp *anthropic.MessageResponse, b model.Batch) (*Classification, error) {
	resp.Usage.LogUsage(c.model, model.StageClassify)

	acts, err := ParseClassification(resp.Text(), b)
	if err != nil {
		return nil, err
	}
	return &Classification{
		Activities: acts,
		Usage: model.TokenUsage{
			InputTokens:         int(resp.Usage.InputTokens),
			OutputTokens:        int(resp.Usage.OutputTokens),
			CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
		},
	}, nil
}

func batchCustomID(i int) string { return "classify-" + strconv.Itoa(i) }

// BuildClassifyPrompt renders the user turn for a batch.
func BuildClassifyPrompt(b model.Batch) string {
	return "Classify these messages. Context lines around each message are for reference only.\n\n" + batch.FormatBatch(b)
}

type rawActivity struct {
	MessageID        *int64   `json:"messageId"`
	Activity         string   `json:"activity"`
	Category         string   `json:"category"`
	FunScore         *float64 `json:"funScore"`
	InterestingScore *float64 `json:"interestingScore"`
	Confidence       *float64 `json:"confidence"`
	Location         string   `json:"location"`
	Venue            string   `json:"venue"`
	City             string   `json:"city"`
	Country          string   `json:"country"`
	Action           string   `json:"action"`
	Object           string   `json:"object"`
	IsComplete       bool     `json:"isComplete"`
}

// ParseClassification validates a classifier reply for batch b. The reply
// is a JSON array, or an object with an "activities" array, optionally in a
// code fence. Every record must name a message of the batch, a title and
// both scores in [0, 1]; any violation rejects the whole reply with an
// invalid_response error.
func ParseClassification(text string, b model.Batch) ([]model.ClassifiedActivity, error) {
	raws, err := decodeActivities(cleanJSON(text))
	if err != nil {
		return nil, invalidResponse(err)
	}

	byID := make(map[int64]model.Candidate, len(b.Candidates))
	for _, c := range b.Candidates {
		byID[c.MessageID] = c
	}

	out := make([]model.ClassifiedActivity, 0, len(raws))
	for i, r := range raws {
		a, err := validateActivity(r, byID)
		if err != nil {
			return nil, invalidResponse(eris.Wrapf(err, "record %d", i))
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeActivities(text string) ([]rawActivity, error) {
	if text == "" {
		return nil, eris.New("empty reply")
	}
	if strings.HasPrefix(text, "{") {
		var wrapped struct {
			Activities *[]rawActivity `json:"activities"`
		}
		if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
			return nil, eris.Wrap(err, "decode reply")
		}
		if wrapped.Activities == nil {
			return nil, eris.New(`reply object has no "activities" array`)
		}
		return *wrapped.Activities, nil
	}
	var raws []rawActivity
	if err := json.Unmarshal([]byte(text), &raws); err != nil {
		return nil, eris.Wrap(err, "decode reply")
	}
	return raws, nil
}

func validateActivity(r rawActivity, candidates map[int64]model.Candidate) (model.ClassifiedActivity, error) {
	if r.MessageID == nil {
		return model.ClassifiedActivity{}, eris.New("missing messageId")
	}
	c, ok := candidates[*r.MessageID]
	if !ok {
		return model.ClassifiedActivity{}, eris.Errorf("messageId %d is not in the batch", *r.MessageID)
	}
	title := strings.TrimSpace(r.Activity)
	if title == "" {
		return model.ClassifiedActivity{}, eris.New("missing activity")
	}
	fun, err := unitScore("funScore", r.FunScore, nil)
	if err != nil {
		return model.ClassifiedActivity{}, err
	}
	interesting, err := unitScore("interestingScore", r.InterestingScore, nil)
	if err != nil {
		return model.ClassifiedActivity{}, err
	}
	one := 1.0
	conf, err := unitScore("confidence", r.Confidence, &one)
	if err != nil {
		return model.ClassifiedActivity{}, err
	}

	category := strings.ToLower(strings.TrimSpace(r.Category))
	if !slices.Contains(Categories, category) {
		category = "other"
	}

	a := model.ClassifiedActivity{
		MessageID:        c.MessageID,
		Activity:         title,
		Category:         category,
		FunScore:         fun,
		InterestingScore: interesting,
		Score:            aggregate.CombinedScore(fun, interesting),
		Confidence:       conf,
		Location:         strings.TrimSpace(r.Location),
		Venue:            normalizeField(r.Venue),
		City:             normalizeField(r.City),
		Country:          normalizeField(r.Country),
		Action:           normalizeField(r.Action),
		Object:           normalizeField(r.Object),
		IsComplete:       r.IsComplete,
		Messages: []model.ActivityMessage{{
			ID:        c.MessageID,
			Sender:    c.Sender,
			Timestamp: c.Timestamp,
			Message:   c.Content,
		}},
	}
	// A complete record needs something to key on.
	if a.IsComplete && a.Action == "" && a.Object == "" {
		a.IsComplete = false
	}
	return a, nil
}

func unitScore(field string, v, def *float64) (float64, error) {
	if v == nil {
		if def == nil {
			return 0, eris.Errorf("missing %s", field)
		}
		return *def, nil
	}
	if *v < 0 || *v > 1 {
		return 0, eris.Errorf("%s %v out of [0,1]", field, *v)
	}
	return *v, nil
}

func normalizeField(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func invalidResponse(err error) error {
	return resilience.NewCallError("anthropic", resilience.KindInvalidResponse, eris.Wrap(err, "parse classification"))
}

// cleanJSON strips a markdown code fence and any prose around the outermost
// JSON array or object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return text
	}
	closer := "]"
	if text[start] == '{' {
		closer = "}"
	}
	if end := strings.LastIndex(text, closer); end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// classifyOutput is the cached payload of the classify stage.
type classifyOutput struct {
	Activities []model.ClassifiedActivity `json:"activities"`
	Usage      model.TokenUsage           `json:"usage"`
}

type batchOutcome struct {
	class *Classification
	hit   bool
	err   error
}

// classify sends every batch, either one call per batch with bounded
// concurrency or all together as one Message Batch. A failed batch
// contributes nothing and marks the output partial so the next run retries
// it; successful batches come back from the request cache.
func (p *Pipeline) classify(ctx context.Context, st *runState, batches []model.Batch) (classifyOutput, stageInfo, error) {
	mode := config.ClassifyModeMessages
	var outcomes []batchOutcome
	bulk, ok := p.deps.Classifier.(BatchClassifier)
	switch {
	case p.cfg.Classify.Mode == config.ClassifyModeBatch && ok:
		mode = config.ClassifyModeBatch
		outcomes = p.classifyBulk(ctx, st, bulk, batches)
	case p.cfg.Classify.Mode == config.ClassifyModeBatch:
		st.log.Warn("pipeline: classifier does not support message batches, sending batches one by one")
		fallthrough
	default:
		outcomes = p.classifyEach(ctx, st, batches)
	}

	var (
		out      classifyOutput
		byID     = make(map[int64][]model.ClassifiedActivity)
		failed   int
		hits     int
		firstErr error
	)
	for i, o := range outcomes {
		if o.err != nil {
			failed++
			if firstErr == nil {
				firstErr = eris.Wrapf(o.err, "batch %d", batches[i].Index)
			}
			continue
		}
		if o.hit {
			hits++
		} else {
			u := o.class.Usage
			if mode == config.ClassifyModeBatch {
				u.Cost = p.costCalc.ClaudeBatch(p.deps.Classifier.Model(), u)
			} else {
				u.Cost = p.costCalc.Claude(p.deps.Classifier.Model(), u)
			}
			out.Usage.Add(u)
		}
		for _, a := range o.class.Activities {
			byID[a.MessageID] = append(byID[a.MessageID], a)
		}
	}

	if len(batches) > 0 && failed == len(batches) {
		return classifyOutput{}, stageInfo{}, eris.Wrapf(firstErr, "pipeline: all %d classification batches failed", failed)
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out.Activities = append(out.Activities, byID[id]...)
	}

	info := stageInfo{
		Meta: map[string]any{
			"mode":           mode,
			"batches":        len(batches),
			"failed_batches": failed,
			"cache_hits":     hits,
			"input_tokens":   out.Usage.InputTokens,
			"output_tokens":  out.Usage.OutputTokens,
			"cost_usd":       out.Usage.Cost,
		},
		Partial: failed > 0,
	}
	if failed > 0 {
		st.log.Warn("pipeline: some classification batches failed",
			zap.Int("failed", failed),
			zap.Int("batches", len(batches)),
			zap.Error(firstErr),
		)
	}
	return out, info, nil
}

func (p *Pipeline) classifyEach(ctx context.Context, st *runState, batches []model.Batch) []batchOutcome {
	concurrency := p.cfg.Classify.Concurrency
	if concurrency <= 0 {
		concurrency = defaultClassifyConcurrency
	}
	retry := resilience.FromRetryConfig(
		p.cfg.Classify.Retry.MaxAttempts,
		p.cfg.Classify.Retry.InitialBackoffMs,
		p.cfg.Classify.Retry.MaxBackoffMs,
	)
	retry.OnRetry = resilience.RetryLogger("anthropic", "classify")

	outcomes := make([]batchOutcome, len(batches))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, b := range batches {
		g.Go(func() error {
			outcomes[i] = p.classifyBatch(ctx, st, b, retry)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// classifyBulk serves cached batches from the request cache and submits the
// rest as one Message Batch. Successful results are cached under the same
// keys the one-by-one path uses.
func (p *Pipeline) classifyBulk(ctx context.Context, st *runState, bc BatchClassifier, batches []model.Batch) []batchOutcome {
	outcomes := make([]batchOutcome, len(batches))
	keys := make([]string, len(batches))
	var pending []int
	for i, b := range batches {
		keys[i] = cache.ClassifyKey(bc.Model(), BuildClassifyPrompt(b))
		if class, ok := p.cachedClassification(ctx, st, keys[i]); ok {
			p.deps.Observer.RequestCacheHit(cache.KindClassify, keys[i])
			outcomes[i] = batchOutcome{class: &class, hit: true}
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return outcomes
	}

	submit := make([]model.Batch, len(pending))
	for j, i := range pending {
		submit[j] = batches[i]
	}
	st.log.Info("pipeline: submitting message batch",
		zap.Int("batches", len(submit)),
		zap.Int("cached", len(batches)-len(submit)),
	)
	results, err := bc.ClassifyAll(ctx, submit)
	if err == nil && len(results) != len(submit) {
		err = eris.Errorf("pipeline: message batch returned %d results for %d batches", len(results), len(submit))
	}
	if err != nil {
		st.log.Error("pipeline: message batch failed", zap.Int("batches", len(submit)), zap.Error(err))
		for _, i := range pending {
			outcomes[i] = batchOutcome{err: err}
		}
		return outcomes
	}

	for j, i := range pending {
		r := results[j]
		if r.Err != nil {
			st.log.Error("pipeline: classification batch failed",
				zap.Int("batch", batches[i].Index),
				zap.Int("candidates", len(batches[i].Candidates)),
				zap.Error(r.Err),
			)
			outcomes[i] = batchOutcome{err: r.Err}
			continue
		}
		if err := p.requests.PutSuccess(ctx, keys[i], *r.Classification); err != nil {
			st.log.Warn("pipeline: request cache write failed", zap.String("key", keys[i]), zap.Error(err))
		}
		outcomes[i] = batchOutcome{class: r.Classification}
	}
	return outcomes
}

func (p *Pipeline) cachedClassification(ctx context.Context, st *runState, key string) (Classification, bool) {
	var class Classification
	e, ok, err := p.requests.Get(ctx, key)
	if err != nil {
		st.log.Warn("pipeline: request cache read failed", zap.String("key", key), zap.Error(err))
	}
	if !ok || e.Failed {
		return class, false
	}
	if err := json.Unmarshal(e.Payload, &class); err != nil {
		return class, false
	}
	return class, true
}

func (p *Pipeline) classifyBatch(ctx context.Context, st *runState, b model.Batch, retry resilience.RetryConfig) batchOutcome {
	key := cache.ClassifyKey(p.deps.Classifier.Model(), BuildClassifyPrompt(b))
	class, hit, err := cache.Memo(ctx, p.requests, key, cache.MemoOptions{Service: "anthropic"},
		func(ctx context.Context) (Classification, error) {
			c, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Classification, error) {
				return p.deps.Classifier.Classify(ctx, b)
			})
			if err != nil {
				return Classification{}, err
			}
			return *c, nil
		})
	if hit {
		p.deps.Observer.RequestCacheHit(cache.KindClassify, key)
	}
	if err != nil {
		st.log.Error("pipeline: classification batch failed",
			zap.Int("batch", b.Index),
			zap.Int("candidates", len(b.Candidates)),
			zap.Error(err),
		)
		return batchOutcome{err: err}
	}
	st.log.Debug("pipeline: batch classified",
		zap.Int("batch", b.Index),
		zap.Int("activities", len(class.Activities)),
		zap.Bool("cache_hit", hit),
	)
	return batchOutcome{class: &class, hit: hit}
}
