package sync

import (
	"context"
	"encoding/json"

	"github.com/FringeDweller/fleetsync/internal/queue"
)

// OutcomeKind discriminates handler verdicts.
type OutcomeKind int

const (
	// OutcomeApplied: the remote service accepted the operation.
	OutcomeApplied OutcomeKind = iota
	// OutcomeConflict: the server's state diverged from the queued change.
	OutcomeConflict
	// OutcomeRetryable: a transient failure worth another attempt.
	OutcomeRetryable
	// OutcomeRejected: a defective operation no retry can fix.
	OutcomeRejected
)

// Outcome is a handler's verdict on a single dispatched operation. The
// engine maps each kind onto the queue state machine. Use the constructors
// below rather than building literals.
type Outcome struct {
	Kind         OutcomeKind
	Err          error
	ConflictData json.RawMessage
}

// Applied reports that the remote service accepted the operation.
func Applied() Outcome {
	return Outcome{Kind: OutcomeApplied}
}

// Conflicted reports that the server's state diverged from the queued
// change. data is the server's snapshot of the entity when the response
// carried one, nil otherwise. Conflicted operations are parked until a
// person resolves them.
func Conflicted(data json.RawMessage, err error) Outcome {
	return Outcome{Kind: OutcomeConflict, Err: err, ConflictData: data}
}

// Retryable reports a transient failure worth another attempt on the
// queue's retry budget.
func Retryable(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// Rejected reports an operation that no amount of retrying can fix, such
// as a malformed payload the enqueue-time checks let through. The engine
// parks it as failed without consuming a retry.
func Rejected(err error) Outcome {
	return Outcome{Kind: OutcomeRejected, Err: err}
}

// Handler applies one queued operation against the remote service with a
// single call and classifies the response. The engine owns retries, state
// transitions and event publication; handlers must not loop or sleep.
// Handlers should tolerate at-least-once delivery: a crash between remote
// apply and queue removal redelivers the operation on the next run.
type Handler interface {
	Apply(ctx context.Context, op *queue.Operation) Outcome
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, op *queue.Operation) Outcome

// Apply calls f(ctx, op).
func (f HandlerFunc) Apply(ctx context.Context, op *queue.Operation) Outcome {
	return f(ctx, op)
}
