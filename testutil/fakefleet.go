// Package testutil provides a self-contained fake fleet service for end to
// end tests and local development (cmd/fleetsim). It implements the slice of
// the fleet API the sync handlers call, with injectable failures and
// conflicts so offline-queue behavior can be exercised without a real
// backend.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// Received records one mutation request the fake service handled, in arrival
// order.
type Received struct {
	Method         string
	Path           string
	IdempotencyKey string
	Body           []byte
}

// forced is a canned response injected ahead of normal handling.
type forced struct {
	status int
	body   []byte
}

// FakeFleet is an in-memory fleet service. All methods are safe for
// concurrent use; the handler can serve requests while a test inspects
// state.
type FakeFleet struct {
	token   string
	handler http.Handler

	mu         sync.Mutex
	workOrders map[string]json.RawMessage
	conflicts  map[string]json.RawMessage
	forcedResp []forced
	seenKeys   map[string]bool
	received   []Received
	applied    int
}

// NewFakeFleet creates a fake fleet service that requires the given bearer
// token on every API request.
func NewFakeFleet(token string) *FakeFleet {
	f := &FakeFleet{
		token:      token,
		workOrders: make(map[string]json.RawMessage),
		conflicts:  make(map[string]json.RawMessage),
		seenKeys:   make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Get("/healthz", f.handleHealthz)
	r.Head("/healthz", f.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(f.requireAuth)
		r.Post("/workorders", f.handleCreate)
		r.Patch("/workorders/{id}", f.handleUpdateWorkOrder)
		r.Post("/inspections", f.handleCreate)
		r.Post("/readings", f.handleCreate)
	})

	f.handler = r

	return f
}

// Handler returns the HTTP handler; mount it on an httptest.Server or a
// plain http.Server.
func (f *FakeFleet) Handler() http.Handler {
	return f.handler
}

// SetWorkOrder seeds a work order so PATCH requests against it succeed.
func (f *FakeFleet) SetWorkOrder(id string, body json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.workOrders[id] = body
}

// SetConflict makes PATCH requests against the given work order answer 409
// with serverVersion as the body, simulating remote state that diverged
// while the local change sat in the queue.
func (f *FakeFleet) SetConflict(id string, serverVersion json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conflicts[id] = serverVersion
}

// ClearConflict removes a conflict injection, letting later PATCH requests
// succeed again.
func (f *FakeFleet) ClearConflict(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.conflicts, id)
}

// RespondNext forces the next mutation request to receive exactly this
// response before normal handling. Stackable; forced responses are consumed
// in order.
func (f *FakeFleet) RespondNext(status int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forcedResp = append(f.forcedResp, forced{status: status, body: body})
}

// FailNext makes the next n mutation requests answer 503.
func (f *FakeFleet) FailNext(n int) {
	for i := 0; i < n; i++ {
		f.RespondNext(http.StatusServiceUnavailable, []byte(`{"error":"service unavailable"}`))
	}
}

// Received returns a copy of every mutation request handled so far, in
// arrival order.
func (f *FakeFleet) Received() []Received {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Received, len(f.received))
	copy(out, f.received)

	return out
}

// Applied returns how many distinct mutations the service accepted.
// Redeliveries deduplicated by idempotency key do not count.
func (f *FakeFleet) Applied() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.applied
}

// Reset drops all recorded state, keeping the token.
func (f *FakeFleet) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.workOrders = make(map[string]json.RawMessage)
	f.conflicts = make(map[string]json.RawMessage)
	f.forcedResp = nil
	f.seenKeys = make(map[string]bool)
	f.received = nil
	f.applied = 0
}

func (f *FakeFleet) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			writeJSON(w, http.StatusUnauthorized, []byte(`{"error":"unauthorized"}`))

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (f *FakeFleet) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

// record logs the request and applies idempotency-key deduplication.
// Returns false when the request is a redelivery of an already-applied
// mutation, in which case the caller should answer success without applying
// again.
func (f *FakeFleet) record(r *http.Request, body []byte) (fresh bool, stop *forced) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Header.Get("Idempotency-Key")

	f.received = append(f.received, Received{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: key,
		Body:           body,
	})

	if len(f.forcedResp) > 0 {
		resp := f.forcedResp[0]
		f.forcedResp = f.forcedResp[1:]

		return false, &resp
	}

	if key != "" && f.seenKeys[key] {
		return false, nil
	}

	return true, nil
}

func (f *FakeFleet) markApplied(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if key != "" {
		f.seenKeys[key] = true
	}

	f.applied++
}

func (f *FakeFleet) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, []byte(`{"error":"unreadable body"}`))

		return
	}

	fresh, stop := f.record(r, body)
	if stop != nil {
		writeJSON(w, stop.status, stop.body)

		return
	}

	if !fresh {
		// Redelivery: the mutation already applied, answer success.
		writeJSON(w, http.StatusOK, []byte(`{"status":"already applied"}`))

		return
	}

	f.markApplied(r.Header.Get("Idempotency-Key"))
	writeJSON(w, http.StatusCreated, fmt.Appendf(nil, `{"id":"srv-%d"}`, f.Applied()))
}

func (f *FakeFleet) handleUpdateWorkOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, []byte(`{"error":"unreadable body"}`))

		return
	}

	fresh, stop := f.record(r, body)
	if stop != nil {
		writeJSON(w, stop.status, stop.body)

		return
	}

	if !fresh {
		writeJSON(w, http.StatusOK, []byte(`{"status":"already applied"}`))

		return
	}

	id := chi.URLParam(r, "id")

	f.mu.Lock()
	serverVersion, conflicted := f.conflicts[id]
	_, exists := f.workOrders[id]
	f.mu.Unlock()

	if conflicted {
		writeJSON(w, http.StatusConflict, serverVersion)

		return
	}

	if !exists {
		writeJSON(w, http.StatusNotFound, []byte(`{"error":"work order not found"}`))

		return
	}

	f.mu.Lock()
	f.workOrders[id] = body
	f.mu.Unlock()

	f.markApplied(r.Header.Get("Idempotency-Key"))
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
