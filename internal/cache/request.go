package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chatmap-cli/internal/resilience"
)

const requestsPrefix = "requests/"

// Request kinds, used as the first key segment.
const (
	KindScrape   = "scrape"
	KindEmbed    = "embed"
	KindClassify = "classify"
	KindGeocode  = "geocode"
)

// RequestKey derives a deterministic key for an external call of kind from
// the parts that identify it.
func RequestKey(kind string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return requestsPrefix + kind + "/" + hex.EncodeToString(h[:])
}

// ScrapeKey identifies a page metadata fetch.
func ScrapeKey(url string) string {
	return RequestKey(KindScrape, strings.TrimSpace(url))
}

// EmbedKey identifies the embedding of one text.
func EmbedKey(model, text string) string {
	return RequestKey(KindEmbed, model, text)
}

// ClassifyKey identifies a classification call by model and prompt.
func ClassifyKey(model, prompt string) string {
	return RequestKey(KindClassify, model, prompt)
}

// GeocodeKey identifies a free-text geocoding query.
func GeocodeKey(query string) string {
	return RequestKey(KindGeocode, strings.ToLower(strings.Join(strings.Fields(query), " ")))
}

// Entry is a cached external call outcome: a payload or a failure.
type Entry struct {
	WrittenAt time.Time       `json:"written_at"`
	Failed    bool            `json:"failed,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Service   string          `json:"service,omitempty"`
	Kind      resilience.Kind `json:"kind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Err rebuilds the error of a failed entry.
func (e Entry) Err() error {
	if !e.Failed {
		return nil
	}
	return resilience.NewCallError(e.Service, e.Kind, errors.New(e.Message))
}

// RequestCache memoizes external calls across runs. Successes live for ttl,
// failures for the shorter failureTTL.
type RequestCache struct {
	backend    Backend
	ttl        time.Duration
	failureTTL time.Duration
}

// NewRequestCache creates a request cache over backend.
func NewRequestCache(backend Backend, ttl, failureTTL time.Duration) *RequestCache {
	return &RequestCache{backend: backend, ttl: ttl, failureTTL: failureTTL}
}

// Get returns the live entry for key.
func (rc *RequestCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	var e Entry
	data, ok, err := rc.backend.Get(ctx, key)
	if err != nil {
		return e, false, eris.Wrap(err, "cache: get request")
	}
	if !ok {
		return e, false, nil
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, false, eris.Wrap(err, "cache: decode request entry")
	}
	return e, true, nil
}

// PutSuccess stores v as the outcome of key.
func (rc *RequestCache) PutSuccess(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "cache: encode request payload")
	}
	return rc.put(ctx, key, Entry{Payload: payload}, rc.ttl)
}

// PutFailure stores callErr as the outcome of key.
func (rc *RequestCache) PutFailure(ctx context.Context, key, service string, callErr error) error {
	e := Entry{Failed: true, Service: service, Message: callErr.Error()}
	var ce *resilience.CallError
	if errors.As(callErr, &ce) {
		e.Kind = ce.Kind
		e.Service = ce.Service
		if ce.Err != nil {
			e.Message = ce.Err.Error()
		}
	} else if kind, ok := resilience.KindOf(callErr); ok {
		e.Kind = kind
	}
	return rc.put(ctx, key, e, rc.failureTTL)
}

func (rc *RequestCache) put(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	e.WrittenAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "cache: encode request entry")
	}
	if err := rc.backend.Set(ctx, key, data, ttl); err != nil {
		return eris.Wrap(err, "cache: set request")
	}
	return nil
}

// Prune removes expired entries from the backend.
func (rc *RequestCache) Prune(ctx context.Context) (int, error) {
	n, err := rc.backend.DeleteExpired(ctx)
	if err != nil {
		return n, eris.Wrap(err, "cache: prune")
	}
	return n, nil
}

// MemoOptions controls Memo.
type MemoOptions struct {
	// Service names the callee in cached failures.
	Service string
	// CacheFailure decides whether an error is stored. Nil stores none.
	CacheFailure func(err error) bool
}

// Memo returns the cached outcome of key or calls fn and caches its result.
// hit reports whether the outcome came from the cache. Cache read and write
// errors are logged and never mask fn's own result.
func Memo[T any](ctx context.Context, rc *RequestCache, key string, opts MemoOptions, fn func(ctx context.Context) (T, error)) (val T, hit bool, err error) {
	if rc == nil {
		val, err = fn(ctx)
		return val, false, err
	}

	e, ok, getErr := rc.Get(ctx, key)
	if getErr != nil {
		zap.L().Warn("request cache read failed", zap.String("key", key), zap.Error(getErr))
	}
	if ok {
		if e.Failed {
			return val, true, e.Err()
		}
		if jsonErr := json.Unmarshal(e.Payload, &val); jsonErr == nil {
			return val, true, nil
		}
		zap.L().Warn("request cache entry undecodable, refetching", zap.String("key", key))
	}

	val, err = fn(ctx)
	if err != nil {
		if opts.CacheFailure != nil && opts.CacheFailure(err) {
			if putErr := rc.PutFailure(ctx, key, opts.Service, err); putErr != nil {
				zap.L().Warn("request cache write failed", zap.String("key", key), zap.Error(putErr))
			}
		}
		return val, false, err
	}
	if putErr := rc.PutSuccess(ctx, key, val); putErr != nil {
		zap.L().Warn("request cache write failed", zap.String("key", key), zap.Error(putErr))
	}
	return val, false, nil
}
