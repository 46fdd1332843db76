package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxRetries int) *SQLiteStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := NewStore(":memory:", maxRetries, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func enqueueOp(t *testing.T, s *SQLiteStore, opType string) *Operation {
	t.Helper()

	op, err := s.Enqueue(context.Background(), Envelope{
		Type:    opType,
		Payload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	return op
}

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op, err := s.Enqueue(ctx, Envelope{
		Type:     "workorder.create",
		EntityID: "wo-17",
		Payload:  json.RawMessage(`{"title":"replace brake pads"}`),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.NotEmpty(t, op.IdempotencyKey)
	assert.Equal(t, StatusPending, op.Status)
	assert.Zero(t, op.RetryCount)

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)

	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, "workorder.create", got.Type)
	assert.Equal(t, "wo-17", got.EntityID)
	assert.Equal(t, op.IdempotencyKey, got.IdempotencyKey)
	assert.JSONEq(t, `{"title":"replace brake pads"}`, string(got.Payload))
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.ConflictData)
}

func TestEnqueueRejectsInvalidEnvelopes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	tests := []struct {
		name string
		env  Envelope
	}{
		{"missing type", Envelope{Payload: json.RawMessage(`{}`)}},
		{"missing payload", Envelope{Type: "workorder.create"}},
		{"invalid payload", Envelope{Type: "workorder.create", Payload: json.RawMessage(`{nope`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(ctx, tt.env)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPendingArrivalOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	first := enqueueOp(t, s, "workorder.create")
	second := enqueueOp(t, s, "inspection.submit")
	third := enqueueOp(t, s, "reading.log")

	// Non-pending rows are excluded from the dispatch snapshot.
	require.NoError(t, s.MarkSyncing(ctx, second.ID))
	require.NoError(t, s.MarkConflict(ctx, second.ID, "conflict", nil))

	ops, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, first.ID, ops[0].ID)
	assert.Equal(t, third.ID, ops[1].ID)
}

func TestMarkSyncingRequiresPending(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")

	require.NoError(t, s.MarkSyncing(ctx, op.ID))
	assert.Error(t, s.MarkSyncing(ctx, op.ID), "double claim must fail")

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSyncing, got.Status)
}

func TestMarkPendingRecordsError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")

	// Only valid from syncing.
	assert.Error(t, s.MarkPending(ctx, op.ID, "nope"))

	require.NoError(t, s.MarkSyncing(ctx, op.ID))
	require.NoError(t, s.MarkPending(ctx, op.ID, "server unreachable"))

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "server unreachable", got.LastError)
}

func TestMarkConflictStoresSnapshot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.update")

	require.NoError(t, s.MarkSyncing(ctx, op.ID))
	require.NoError(t, s.MarkConflict(ctx, op.ID, "version mismatch",
		[]byte(`{"version":9}`)))

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, got.Status)
	assert.Equal(t, "version mismatch", got.LastError)
	assert.JSONEq(t, `{"version":9}`, string(got.ConflictData))

	// Conflicts stay out of the dispatch snapshot.
	ops, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")

	// Allowed straight from pending (defective operation parking).
	require.NoError(t, s.MarkFailed(ctx, op.ID, "no handler"))

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "no handler", got.LastError)

	// Terminal: failing again is rejected.
	assert.Error(t, s.MarkFailed(ctx, op.ID, "again"))
}

func TestIncrementRetryBudget(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 2)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")

	remain, err := s.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, remain, "one retry used, one left")

	remain, err = s.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, remain, "budget exhausted")

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	_, err = s.IncrementRetry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")

	require.NoError(t, s.Remove(ctx, op.ID))
	assert.ErrorIs(t, s.Remove(ctx, op.ID), ErrNotFound)

	_, err := s.Get(ctx, op.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueResetsBudgetAndConflictState(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.update")

	require.NoError(t, s.MarkSyncing(ctx, op.ID))

	_, err := s.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkConflict(ctx, op.ID, "version mismatch", []byte(`{"v":2}`)))

	require.NoError(t, s.Requeue(ctx, op.ID))

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.ConflictData)
}

func TestRequeueRejectsActiveOperations(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")

	err := s.Requeue(ctx, op.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Requeue(ctx, "missing"), ErrNotFound)
}

func TestRequeueAll(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		op := enqueueOp(t, s, "workorder.create")
		require.NoError(t, s.MarkFailed(ctx, op.ID, "exhausted"))
	}

	conflicted := enqueueOp(t, s, "workorder.update")
	require.NoError(t, s.MarkSyncing(ctx, conflicted.ID))
	require.NoError(t, s.MarkConflict(ctx, conflicted.ID, "mismatch", nil))

	n, err := s.RequeueAll(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.RequeueAll(ctx, StatusPending)
	assert.Error(t, err, "only terminal statuses are requeueable")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Conflict)
}

func TestReclaimSyncing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	op := enqueueOp(t, s, "workorder.create")
	require.NoError(t, s.MarkSyncing(ctx, op.ID))

	n, err := s.ReclaimSyncing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	ctx := context.Background()

	enqueueOp(t, s, "workorder.create")
	enqueueOp(t, s, "inspection.submit")

	failed := enqueueOp(t, s, "reading.log")
	require.NoError(t, s.MarkFailed(ctx, failed.ID, "boom"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Syncing)
	assert.Zero(t, stats.Conflict)
	assert.Equal(t, 3, stats.Total)
}

func TestQueueSurvivesReopen(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := NewStore(dbPath, 3, logger)
	require.NoError(t, err)

	op, err := store.Enqueue(ctx, Envelope{
		Type:    "workorder.create",
		Payload: json.RawMessage(`{"title":"coolant flush"}`),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewStore(dbPath, 3, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"pending", "syncing", "conflict", "failed"} {
		st, err := ParseStatus(valid)
		require.NoError(t, err)
		assert.Equal(t, Status(valid), st)
	}

	_, err := ParseStatus("done")
	assert.Error(t, err)
}
