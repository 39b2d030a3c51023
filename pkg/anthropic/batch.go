package anthropic

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	defaultBatchPollInitial = 2 * time.Second
	defaultBatchPollCap     = 15 * time.Second
	defaultBatchPollTimeout = 30 * time.Minute
)

// PollOption configures batch polling behavior.
type PollOption func(*pollConfig)

type pollConfig struct {
	initial time.Duration
	cap     time.Duration
	timeout time.Duration
}

func defaultPollConfig() pollConfig {
	return pollConfig{
		initial: defaultBatchPollInitial,
		cap:     defaultBatchPollCap,
		timeout: defaultBatchPollTimeout,
	}
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.initial = d
		}
	}
}

// WithPollCap overrides the maximum poll interval.
func WithPollCap(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.cap = d
		}
	}
}

// WithPollTimeout overrides the poll timeout used when ctx has no deadline.
func WithPollTimeout(d time.Duration) PollOption {
	return func(c *pollConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// PollBatch polls GetBatch until the batch ends or the context expires.
// The interval doubles up to the cap with ±20% jitter. Expired and canceled
// batches return an error immediately.
func PollBatch(ctx context.Context, client Client, batchID string, opts ...PollOption) (*BatchResponse, error) {
	cfg := defaultPollConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.initial
	for {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "anthropic: poll batch %s", batchID)
		}

		switch batch.ProcessingStatus {
		case "ended":
			return batch, nil
		case "expired":
			return batch, eris.Errorf("anthropic: batch %s expired", batchID)
		case "canceled", "canceling":
			return batch, eris.Errorf("anthropic: batch %s canceled", batchID)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "anthropic: poll batch %s timed out", batchID)
		case <-time.After(interval):
		}

		interval = min(interval*2, cfg.cap)
		if spread := int64(interval) / 5; spread > 0 {
			jitter := time.Duration(rand.Int64N(spread))
			if rand.IntN(2) == 0 {
				interval += jitter
			} else {
				interval -= jitter
			}
		}
	}
}

// BatchFailure records a single failed batch item.
type BatchFailure struct {
	CustomID string
	Type     string // "errored", "canceled", "expired"
}

// BatchCollectResult holds both succeeded and failed items from a batch.
type BatchCollectResult struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// CollectBatchResults drains iter into succeeded results keyed by custom_id
// and the list of items that did not succeed.
func CollectBatchResults(iter BatchResultIterator) (*BatchCollectResult, error) {
	defer func() { _ = iter.Close() }()

	result := &BatchCollectResult{
		Succeeded: make(map[string]*MessageResponse),
	}
	for iter.Next() {
		item := iter.Item()
		if item.Type == "succeeded" && item.Message != nil {
			result.Succeeded[item.CustomID] = item.Message
			continue
		}
		result.Failures = append(result.Failures, BatchFailure{
			CustomID: item.CustomID,
			Type:     item.Type,
		})
		zap.L().Warn("anthropic: batch item failed",
			zap.String("custom_id", item.CustomID),
			zap.String("type", item.Type),
		)
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}

	if len(result.Failures) > 0 {
		zap.L().Warn("anthropic: batch had failed items",
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Int("failed", len(result.Failures)),
		)
	}
	return result, nil
}

// RunBatch submits req, waits for it to end and collects its results.
func RunBatch(ctx context.Context, client Client, req BatchRequest, opts ...PollOption) (*BatchCollectResult, error) {
	batch, err := client.CreateBatch(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create batch")
	}
	zap.L().Info("anthropic: batch submitted",
		zap.String("batch_id", batch.ID),
		zap.Int("requests", len(req.Requests)),
	)

	batch, err = PollBatch(ctx, client, batch.ID, opts...)
	if err != nil {
		return nil, err
	}

	iter, err := client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "anthropic: get batch results %s", batch.ID)
	}
	return CollectBatchResults(iter)
}
