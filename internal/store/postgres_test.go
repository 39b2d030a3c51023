package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &PostgresStore{pool: mock, nowFunc: func() time.Time { return now }}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_entries`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_RollsBackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cache_entries`).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: migrate")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("conn refused"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM cache_entries WHERE key = \$1`).
		WithArgs("runs/x/meta", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.Get(context.Background(), "runs/x/meta")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM cache_entries WHERE key = \$1`).
		WithArgs("runs/x/meta", pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"payload"}).AddRow([]byte(`{"id":"x"}`)))

	got, ok, err := s.Get(context.Background(), "runs/x/meta")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"x"}`, string(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM cache_entries`).
		WithArgs("runs/x/meta", pgxmock.AnyArg()).
		WillReturnError(errors.New("conn refused"))

	_, _, err := s.Get(context.Background(), "runs/x/meta")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: get")
}

func TestPostgresStore_Set_UpsertWithTTL(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO cache_entries .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("requests/geocode/abc", []byte(`{}`), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "requests/geocode/abc", []byte(`{}`), time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Set_NoTTL(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cache_entries`).
		WithArgs("runs/r/stages/parse", []byte(`[]`), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "runs/r/stages/parse", []byte(`[]`), 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key FROM cache_entries`).
		WithArgs(`runs/r/stages/%`, pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"key"}).
			AddRow("runs/r/stages/classify").
			AddRow("runs/r/stages/parse"))

	keys, err := s.List(context.Background(), "runs/r/stages/")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/r/stages/classify", "runs/r/stages/parse"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM cache_entries WHERE expires_at IS NOT NULL`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM cache_entries WHERE key = \$1`).
		WithArgs("runs/r/meta").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.Delete(context.Background(), "runs/r/meta"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
