// Package queue implements the durable offline operation queue backed by
// SQLite. Side effects of user actions performed while the device is
// disconnected are persisted here in arrival order and drained by the sync
// engine when connectivity returns.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation ID does not exist in the queue.
var ErrNotFound = errors.New("queue: operation not found")

// ErrInvalidEnvelope marks an enqueue request that failed validation.
// Ingress layers use it to tell defective input apart from storage faults.
var ErrInvalidEnvelope = errors.New("queue: invalid envelope")

// Status is the lifecycle state of a queued operation.
type Status string

const (
	// StatusPending means the operation is waiting for dispatch.
	StatusPending Status = "pending"
	// StatusSyncing means the operation is being dispatched right now.
	StatusSyncing Status = "syncing"
	// StatusConflict means the remote rejected the operation because server
	// state diverged. Requires human review before requeueing.
	StatusConflict Status = "conflict"
	// StatusFailed means the retry budget is exhausted or the operation is
	// defective. Requires intervention before requeueing.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status excludes the operation from dispatch
// until it is explicitly requeued.
func (s Status) Terminal() bool {
	return s == StatusConflict || s == StatusFailed
}

// ParseStatus validates a status string from user input (CLI filters,
// diagnostics queries).
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusSyncing, StatusConflict, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("queue: invalid status %q", s)
	}
}

// Operation is one queued side effect of a user action. Payload is opaque to
// the queue; the handler registered for Type interprets it at dispatch time.
// ConflictData holds the server's version of the entity when the remote
// rejected the operation with a conflict.
type Operation struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	EntityID       string          `json:"entity_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	ConflictData   json.RawMessage `json:"conflict_data,omitempty"`
	QueuedAt       int64           `json:"queued_at"`
	UpdatedAt      int64           `json:"updated_at"`
}

// Envelope is the enqueue request shape shared by the spool ingress, the
// diagnostics endpoint, and the CLI.
type Envelope struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Validate checks the envelope before it is accepted into the queue.
// Enqueue-time strictness keeps malformed operations out of the dispatch
// path entirely.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}

	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}

	if !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEnvelope)
	}

	return nil
}

// Stats holds per-status operation counts.
type Stats struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Conflict int `json:"conflict"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}
