package history

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"localsched/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "history.db")+"?mode=rwc")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return db
}

func TestStartFinishGet(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))

	id, err := repo.Start(ctx, domain.Invocation{FunctionID: "foo", CronExpr: "0 */2 * * *"})
	require.NoError(t, err)
	assert.Contains(t, id, "inv_")

	inv, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, inv.State)
	assert.Equal(t, domain.TriggerSchedule, inv.Trigger)
	assert.Nil(t, inv.FinishedAt)

	require.NoError(t, repo.Finish(ctx, id, []byte(`{"ok":true}`), nil))
	inv, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, inv.State)
	assert.Equal(t, `{"ok":true}`, string(inv.Result))
	assert.NotNil(t, inv.FinishedAt)
}

func TestFinishWithError(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))

	id, err := repo.Start(ctx, domain.Invocation{FunctionID: "bar", Trigger: domain.TriggerManual})
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, id, nil, errors.New("boom")))

	inv, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, inv.State)
	assert.Equal(t, "boom", inv.Error)
	assert.Equal(t, domain.TriggerManual, inv.Trigger)
}

func TestGetMissing(t *testing.T) {
	_, err := NewSQLiteRepo(openTestDB(t)).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListsAndCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepo(openTestDB(t))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, fn := range []string{"a", "b", "a"} {
		_, err := repo.Start(ctx, domain.Invocation{
			ID:         fn + string(rune('0'+i)),
			FunctionID: fn,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Finish(ctx, "a0", nil, nil))

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a2", recent[0].ID)
	assert.Equal(t, "b1", recent[1].ID)

	byFn, err := repo.ListByFunction(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, byFn, 2)
	assert.Equal(t, "a2", byFn[0].ID)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"running": 2, "succeeded": 1, "failed": 0}, counts)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSQLiteRepo(db)

	id, err := repo.Start(ctx, domain.Invocation{FunctionID: "foo"})
	require.NoError(t, err)

	n, err := RecoverStale(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inv, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, inv.State)
	assert.Equal(t, "interrupted", inv.Error)
}
