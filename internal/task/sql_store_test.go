package task

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/event"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newTask("t1", "rebalance")))
	assert.ErrorIs(t, store.Create(ctx, newTask("t1", "again")), ErrTaskConflict)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "rebalance", got.Trigger.Reason)
	assert.Equal(t, "2", got.Trigger.Portfolio["ETH"].String())
	assert.Equal(t, SourceAPI, got.Source)
	assert.Nil(t, got.Result)

	claimed, err := store.Claim(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	cand, err := action.Parse(`{"type":"swap","fromToken":"ETH","toToken":"AAVE","amount":0.4,"unit":"fraction","reason":"r","timestamp":1}`)
	require.NoError(t, err)
	record := RunRecord{
		RunID:    "run-1",
		State:    "AUTHORIZED",
		Attempts: 1,
		Action:   cand,
		Reason:   "Action is authorized.",
		Events:   []event.Event{{Seq: 1, Type: event.TypeAction, Message: "done"}},
	}
	require.NoError(t, store.Complete(ctx, "t1", StatusAuthorized, record))

	done, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, done.Status)
	assert.True(t, done.Done())
	require.NotNil(t, done.Result)
	assert.Equal(t, "run-1", done.Result.RunID)
	assert.Equal(t, "AAVE", done.Result.Action.ToToken)
	require.Len(t, done.Result.Events, 1)
	assert.Equal(t, event.TypeAction, done.Result.Events[0].Type)

	_, err = store.Claim(ctx, "t1")
	assert.ErrorIs(t, err, ErrTaskCompleted)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLiteStoreRetriesAndStats(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	limited := newTask("r", "retry me")
	limited.MaxRetries = 1
	require.NoError(t, store.Create(ctx, limited))
	require.NoError(t, store.Create(ctx, newTask("p", "pending")))
	rejected := newTask("j", "too big")
	rejected.Source = SourceScheduler
	require.NoError(t, store.Create(ctx, rejected))

	_, err := store.Claim(ctx, "r")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, "r", CodeTaskProcessing, "oracle down", nil, false))
	_, err = store.Claim(ctx, "r")
	assert.ErrorIs(t, err, ErrTaskExhausted)

	require.NoError(t, store.Complete(ctx, "j", StatusRejected, RunRecord{RunID: "run-j", Reason: "Swap amount 0.9 exceeds max allowed percentage (50%)."}))

	stats, err := store.Stats(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Rejected)

	list, err := store.List(ctx, buildListOptions([]ListOption{WithSources(SourceScheduler)}))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j", list[0].ID)

	list, err = store.List(ctx, buildListOptions([]ListOption{WithQuery("exceeds")}))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j", list[0].ID)

	list, err = store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending, StatusFailed)}))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSQLiteMigrationsAppliedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Create(ctx, newTask("kept", "rebalance")))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	var applied int
	require.NoError(t, second.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)

	_, err = second.Get(ctx, "kept")
	require.NoError(t, err)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (id INT);\n\n CREATE INDEX i ON a (id);\n")
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX i ON a (id)"}, stmts)
	assert.Equal(t, "0002", migrationVersion("0002_trigger_tasks_source.sql"))
}
