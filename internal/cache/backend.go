// Package cache implements the staged, content-addressed pipeline cache and
// the request-level cache for external calls. Both sit on a Backend, which
// may be in memory, on local disk or in a SQL database.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Backend is a key/value store with optional per-entry TTL. A ttl of zero
// means the entry never expires.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// List returns the live keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeleteExpired removes entries whose TTL has elapsed.
	DeleteExpired(ctx context.Context) (int, error)
}

// ValidateKey rejects keys that cannot be mapped safely onto a path.
func ValidateKey(key string) error {
	if key == "" {
		return eris.New("cache: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return eris.Errorf("cache: key %q must not start or end with /", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return eris.Errorf("cache: invalid key segment in %q", key)
		}
	}
	return nil
}

func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(now, exp time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}
