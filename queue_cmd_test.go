package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FringeDweller/fleetsync/internal/queue"
)

func newCmdTestStore(t *testing.T) *queue.SQLiteStore {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := queue.NewStore(":memory:", 3, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func enqueueTestOp(t *testing.T, store *queue.SQLiteStore, opType string) *queue.Operation {
	t.Helper()

	op, err := store.Enqueue(context.Background(), queue.Envelope{
		Type:    opType,
		Payload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	return op
}

func TestResolveOperationID_ExactMatch(t *testing.T) {
	t.Parallel()

	store := newCmdTestStore(t)
	op := enqueueTestOp(t, store, "workorder.create")

	id, err := resolveOperationID(context.Background(), store, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, id)
}

func TestResolveOperationID_UniquePrefix(t *testing.T) {
	t.Parallel()

	store := newCmdTestStore(t)
	op := enqueueTestOp(t, store, "workorder.create")

	id, err := resolveOperationID(context.Background(), store, op.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, op.ID, id)
}

func TestResolveOperationID_AmbiguousPrefix(t *testing.T) {
	t.Parallel()

	store := newCmdTestStore(t)

	// IDs are hex UUIDs, so 17 operations guarantee two share a first
	// character by pigeonhole.
	firstChar := make(map[byte]int)

	var probe string

	for i := 0; i < 17; i++ {
		op := enqueueTestOp(t, store, "workorder.create")
		firstChar[op.ID[0]]++

		if firstChar[op.ID[0]] > 1 {
			probe = op.ID[:1]

			break
		}
	}

	require.NotEmpty(t, probe)

	_, err := resolveOperationID(context.Background(), store, probe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestResolveOperationID_NotFound(t *testing.T) {
	t.Parallel()

	store := newCmdTestStore(t)
	enqueueTestOp(t, store, "workorder.create")

	_, err := resolveOperationID(context.Background(), store, "zzzz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveOperationID_Empty(t *testing.T) {
	t.Parallel()

	store := newCmdTestStore(t)

	_, err := resolveOperationID(context.Background(), store, "")
	require.Error(t, err)
}
