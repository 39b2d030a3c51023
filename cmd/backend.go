package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/store"
)

// sqliteFile is the database name inside cache.dir for the sqlite driver.
const sqliteFile = "chatmap.db"

// openBackend returns the configured cache backend and a func releasing it.
// SQL backends are migrated before use.
func openBackend(ctx context.Context) (cache.Backend, func(), error) {
	switch cfg.Cache.Driver {
	case "file", "":
		fb, err := cache.NewFileBackend(cfg.Cache.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fb, func() {}, nil
	case "memory":
		return cache.NewMemory(), func() {}, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
			return nil, nil, eris.Wrap(err, "create cache dir")
		}
		st, err := store.NewSQLite(filepath.Join(cfg.Cache.Dir, sqliteFile))
		if err != nil {
			return nil, nil, err
		}
		return migrated(ctx, st)
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Cache.DatabaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		return migrated(ctx, st)
	default:
		return nil, nil, eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
}

func migrated(ctx context.Context, st store.Store) (cache.Backend, func(), error) {
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}
	return st, func() { _ = st.Close() }, nil
}
