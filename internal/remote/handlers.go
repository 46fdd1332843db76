package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/FringeDweller/fleetsync/internal/queue"
	"github.com/FringeDweller/fleetsync/internal/sync"
)

// Operation types understood by the fleet service handlers.
const (
	OpWorkOrderCreate  = "workorder.create"
	OpWorkOrderUpdate  = "workorder.update"
	OpInspectionSubmit = "inspection.submit"
	OpReadingLog       = "reading.log"
)

// Handlers applies queued operations to the fleet service. Each handler
// performs exactly one remote call; the payload recorded at enqueue time is
// sent as the request body unchanged.
type Handlers struct {
	client *Client
}

// NewHandlers creates the handler set around a fleet service client.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// RegisterAll wires every fleet operation handler into the registry.
func (h *Handlers) RegisterAll(r *sync.Registry) {
	r.Register(OpWorkOrderCreate, sync.HandlerFunc(h.createWorkOrder))
	r.Register(OpWorkOrderUpdate, sync.HandlerFunc(h.updateWorkOrder))
	r.Register(OpInspectionSubmit, sync.HandlerFunc(h.submitInspection))
	r.Register(OpReadingLog, sync.HandlerFunc(h.logReading))
}

func (h *Handlers) createWorkOrder(ctx context.Context, op *queue.Operation) sync.Outcome {
	return h.post(ctx, "/api/v1/workorders", op)
}

func (h *Handlers) updateWorkOrder(ctx context.Context, op *queue.Operation) sync.Outcome {
	if op.EntityID == "" {
		return sync.Rejected(errors.New("remote: workorder.update requires an entity id"))
	}

	path := "/api/v1/workorders/" + url.PathEscape(op.EntityID)

	if _, err := h.client.Do(ctx, http.MethodPatch, path, op.Payload, op.IdempotencyKey); err != nil {
		return classify(err, true)
	}

	return sync.Applied()
}

func (h *Handlers) submitInspection(ctx context.Context, op *queue.Operation) sync.Outcome {
	return h.post(ctx, "/api/v1/inspections", op)
}

func (h *Handlers) logReading(ctx context.Context, op *queue.Operation) sync.Outcome {
	return h.post(ctx, "/api/v1/readings", op)
}

func (h *Handlers) post(ctx context.Context, path string, op *queue.Operation) sync.Outcome {
	if _, err := h.client.Do(ctx, http.MethodPost, path, op.Payload, op.IdempotencyKey); err != nil {
		return classify(err, false)
	}

	return sync.Applied()
}

// classify maps a client error onto a dispatch outcome. Conflict-family
// responses carry the server's current entity as the conflict snapshot. For
// updates a 404 is a conflict too: the entity was deleted remotely while the
// local change sat in the queue. Everything else lands on the queue's retry
// budget.
func classify(err error, update bool) sync.Outcome {
	var apiErr *APIError
	if errors.As(err, &apiErr) && isConflict(err, update) {
		return sync.Conflicted(conflictSnapshot(apiErr), err)
	}

	return sync.Retryable(err)
}

func isConflict(err error, update bool) bool {
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrPrecondition) {
		return true
	}

	return update && errors.Is(err, ErrNotFound)
}

// conflictSnapshot extracts the server's entity JSON from a conflict
// response, or nil when the body is not JSON.
func conflictSnapshot(apiErr *APIError) json.RawMessage {
	if len(apiErr.Body) > 0 && json.Valid(apiErr.Body) {
		return apiErr.Body
	}

	return nil
}
