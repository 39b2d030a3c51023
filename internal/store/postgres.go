package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgGetEntry      = `SELECT payload FROM cache_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`
	pgSetEntry      = `INSERT INTO cache_entries (key, payload, written_at, expires_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, written_at = EXCLUDED.written_at, expires_at = EXCLUDED.expires_at`
	pgDeleteEntry   = `DELETE FROM cache_entries WHERE key = $1`
	pgDeleteExpired = `DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, nowFunc: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	written_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`

// Migrate creates the cache table and its index in one transaction.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: migrate: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: migrate: commit")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, pgGetEntry, key, s.nowFunc().UTC()).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get %s", key)
	}
	return payload, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	now := s.nowFunc().UTC()
	var expires *time.Time
	if ttl > 0 {
		exp := now.Add(ttl)
		expires = &exp
	}
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.Exec(ctx, pgSetEntry, key, payload, now, expires)
	return eris.Wrapf(err, "postgres: set %s", key)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, pgDeleteEntry, key)
	return eris.Wrapf(err, "postgres: delete %s", key)
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM cache_entries
		WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY key COLLATE "C"`,
		likePrefix(prefix), s.nowFunc().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list")
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan keys")
	}
	return keys, nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, pgDeleteExpired, s.nowFunc().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired")
	}
	return int(tag.RowsAffected()), nil
}
