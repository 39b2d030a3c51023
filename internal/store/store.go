// Package store provides SQL-backed cache backends: SQLite for a single
// machine and Postgres for a cache shared between hosts.
package store

import (
	"context"
	"strings"

	"github.com/sells-group/chatmap-cli/internal/cache"
)

// Store is a cache.Backend with a schema and a lifecycle.
type Store interface {
	cache.Backend

	Migrate(ctx context.Context) error
	Close() error
}

// likePrefix escapes prefix for a case-sensitive Postgres LIKE with ESCAPE '\'.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
