package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chatmap-cli/internal/cache"
	"github.com/sells-group/chatmap-cli/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chatmap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_GetSetDelete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "runs/a/meta")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "runs/a/meta", []byte(`{"id":"a"}`), 0))
	require.NoError(t, s.Set(ctx, "runs/a/meta", []byte(`{"id":"b"}`), 0))

	got, ok, err := s.Get(ctx, "runs/a/meta")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"b"}`, string(got))

	require.NoError(t, s.Delete(ctx, "runs/a/meta"))
	_, ok, err = s.Get(ctx, "runs/a/meta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_PayloadBytesUnchanged(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	payload := []byte("{\"title\": \"Fish & Chips <b>\"}\n")

	require.NoError(t, s.Set(ctx, "runs/a/stages/scrape", payload, 0))
	got, ok, err := s.Get(ctx, "runs/a/stages/scrape")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestSQLite_TTLAndPrune(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "requests/scrape/a", []byte(`1`), time.Minute))
	require.NoError(t, s.Set(ctx, "requests/scrape/b", []byte(`2`), 0))

	now = now.Add(2 * time.Minute)
	_, ok, err := s.Get(ctx, "requests/scrape/a")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.List(ctx, "requests/")
	require.NoError(t, err)
	assert.Equal(t, []string{"requests/scrape/b"}, keys)

	n, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_ListEscapesWildcards(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "runs/a_b/meta", []byte(`{}`), 0))
	require.NoError(t, s.Set(ctx, "runs/axb/meta", []byte(`{}`), 0))

	keys, err := s.List(ctx, "runs/a_b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/a_b/meta"}, keys)
}

func TestSQLite_BacksRunCache(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rc, err := cache.OpenRun(ctx, s, "run1", "chat.json", false)
	require.NoError(t, err)
	require.NoError(t, cache.SetStageJSON(ctx, rc, model.StageParse, []model.Message{{ID: 1, Content: "hi"}}))
	require.NoError(t, rc.SaveReport(ctx, model.StageReport{Name: model.StageParse, Status: model.StageStatusComplete, Count: 1}))

	runs, err := cache.ListRuns(ctx, s)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run1", runs[0].ID)

	msgs, ok, err := cache.GetStageJSON[[]model.Message](ctx, rc, model.StageParse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", msgs[0].Content)

	reports, err := cache.Reports(ctx, s, "run1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestSQLite_RejectsInvalidKey(t *testing.T) {
	s := newTestSQLite(t)
	assert.Error(t, s.Set(context.Background(), "", []byte(`1`), 0))
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `runs/a\_b\%c\\%`, likePrefix(`runs/a_b%c\`))
	assert.Equal(t, "%", likePrefix(""))
}
