package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FringeDweller/fleetsync/internal/queue"
	"github.com/FringeDweller/fleetsync/internal/sync"
)

func newTestHandlers(t *testing.T, handler http.HandlerFunc) (*Handlers, *sync.Registry) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	h := NewHandlers(NewClient(srv.URL, "token", srv.Client(), discardLogger()))
	r := sync.NewRegistry()
	h.RegisterAll(r)

	return h, r
}

func testOp(opType, entityID string) *queue.Operation {
	return &queue.Operation{
		ID:             "op-1",
		Type:           opType,
		Payload:        json.RawMessage(`{"odometer":120430}`),
		EntityID:       entityID,
		IdempotencyKey: "idem-1",
		Status:         queue.StatusSyncing,
	}
}

func TestRegisterAllCoversFleetOperations(t *testing.T) {
	t.Parallel()

	_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	assert.Equal(t, []string{
		OpInspectionSubmit,
		OpReadingLog,
		OpWorkOrderCreate,
		OpWorkOrderUpdate,
	}, r.Types())
}

func TestHandlersPostOperations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		opType   string
		wantPath string
	}{
		{OpWorkOrderCreate, "/api/v1/workorders"},
		{OpInspectionSubmit, "/api/v1/inspections"},
		{OpReadingLog, "/api/v1/readings"},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.opType, func(t *testing.T) {
			t.Parallel()

			var gotMethod, gotPath, gotKey string

			_, r := newTestHandlers(t, func(w http.ResponseWriter, req *http.Request) {
				gotMethod = req.Method
				gotPath = req.URL.Path
				gotKey = req.Header.Get("Idempotency-Key")
				w.WriteHeader(http.StatusCreated)
			})

			h, ok := r.Lookup(tt.opType)
			require.True(t, ok)

			outcome := h.Apply(context.Background(), testOp(tt.opType, ""))
			assert.Equal(t, sync.OutcomeApplied, outcome.Kind)
			assert.Equal(t, http.MethodPost, gotMethod)
			assert.Equal(t, tt.wantPath, gotPath)
			assert.Equal(t, "idem-1", gotKey)
		})
	}
}

func TestUpdateWorkOrderPatchesEntity(t *testing.T) {
	t.Parallel()

	var gotMethod, gotPath string

	_, r := newTestHandlers(t, func(w http.ResponseWriter, req *http.Request) {
		gotMethod = req.Method
		gotPath = req.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	h, ok := r.Lookup(OpWorkOrderUpdate)
	require.True(t, ok)

	outcome := h.Apply(context.Background(), testOp(OpWorkOrderUpdate, "wo-42"))
	assert.Equal(t, sync.OutcomeApplied, outcome.Kind)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/v1/workorders/wo-42", gotPath)
}

func TestUpdateWorkOrderRequiresEntityID(t *testing.T) {
	t.Parallel()

	called := false

	_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	h, ok := r.Lookup(OpWorkOrderUpdate)
	require.True(t, ok)

	outcome := h.Apply(context.Background(), testOp(OpWorkOrderUpdate, ""))
	assert.Equal(t, sync.OutcomeRejected, outcome.Kind)
	assert.ErrorContains(t, outcome.Err, "entity id")
	assert.False(t, called, "a malformed update must not reach the server")
}

func TestConflictResponseCarriesServerSnapshot(t *testing.T) {
	t.Parallel()

	serverEntity := `{"id":"wo-42","status":"closed","version":7}`

	_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(serverEntity))
	})

	h, ok := r.Lookup(OpWorkOrderUpdate)
	require.True(t, ok)

	outcome := h.Apply(context.Background(), testOp(OpWorkOrderUpdate, "wo-42"))
	assert.Equal(t, sync.OutcomeConflict, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrConflict)
	assert.JSONEq(t, serverEntity, string(outcome.ConflictData))
}

func TestConflictWithNonJSONBodyHasNoSnapshot(t *testing.T) {
	t.Parallel()

	_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte("<html>precondition failed</html>"))
	})

	h, ok := r.Lookup(OpWorkOrderCreate)
	require.True(t, ok)

	outcome := h.Apply(context.Background(), testOp(OpWorkOrderCreate, ""))
	assert.Equal(t, sync.OutcomeConflict, outcome.Kind)
	assert.Nil(t, outcome.ConflictData)
}

func TestUpdateMissingEntityIsConflict(t *testing.T) {
	t.Parallel()

	_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"work order not found"}`))
	})

	h, ok := r.Lookup(OpWorkOrderUpdate)
	require.True(t, ok)

	// The entity was deleted remotely while the local change sat queued.
	outcome := h.Apply(context.Background(), testOp(OpWorkOrderUpdate, "wo-42"))
	assert.Equal(t, sync.OutcomeConflict, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrNotFound)
}

func TestCreateNotFoundIsRetryable(t *testing.T) {
	t.Parallel()

	_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	h, ok := r.Lookup(OpWorkOrderCreate)
	require.True(t, ok)

	// A 404 on a collection endpoint is a routing problem, not a stale
	// entity.
	outcome := h.Apply(context.Background(), testOp(OpWorkOrderCreate, ""))
	assert.Equal(t, sync.OutcomeRetryable, outcome.Kind)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		_, r := newTestHandlers(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})

		h, ok := r.Lookup(OpReadingLog)
		require.True(t, ok)

		outcome := h.Apply(context.Background(), testOp(OpReadingLog, ""))
		assert.Equal(t, sync.OutcomeRetryable, outcome.Kind, "status %d", status)
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Close()

	h := NewHandlers(NewClient(srv.URL, "token", http.DefaultClient, discardLogger()))
	r := sync.NewRegistry()
	h.RegisterAll(r)

	handler, ok := r.Lookup(OpReadingLog)
	require.True(t, ok)

	outcome := handler.Apply(context.Background(), testOp(OpReadingLog, ""))
	assert.Equal(t, sync.OutcomeRetryable, outcome.Kind)
}
