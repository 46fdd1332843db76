package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/FringeDweller/fleetsync/internal/bus"
	"github.com/FringeDweller/fleetsync/internal/queue"
)

// ErrUnknownType marks an operation whose type has no registered handler.
// It is a programming defect, not a transient condition, so the operation
// parks as failed with its retry budget intact.
var ErrUnknownType = errors.New("sync: no handler registered for operation type")

// EngineConfig holds the collaborators for NewEngine. All fields except
// Logger are required.
type EngineConfig struct {
	Store    Store
	Monitor  NetworkMonitor
	Registry *Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Engine drains the offline queue against the remote service. One run at a
// time, strictly sequential inside a run so dependent mutations apply in
// the order the field tech made them.
type Engine struct {
	store    Store
	monitor  NetworkMonitor
	registry *Registry
	bus      *bus.Bus
	logger   *slog.Logger

	running  atomic.Bool
	canceled atomic.Bool
}

// NewEngine creates an Engine from its collaborators.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		logger:   logger,
	}
}

// Running reports whether a sync run is currently in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// CancelSync asks an active run to stop before its next dispatch. The
// operation in flight always finishes; remaining operations stay pending.
// Idempotent, and a no-op when no run is active: each run clears the flag
// on entry.
func (e *Engine) CancelSync() {
	if e.running.Load() {
		e.canceled.Store(true)
	}
}

// RunSync drains pending operations in arrival order:
//  1. Single-flight guard. A call while a run is in flight returns a zero
//     summary immediately with no error and no events.
//  2. Offline preflight: nothing is dispatched or published while the
//     monitor reports offline.
//  3. Fetch pending operations. An empty queue publishes nothing.
//  4. Publish sync:start, then per operation: check cancellation, claim it
//     as syncing, publish sync:progress, dispatch, classify the outcome.
//  5. Publish sync:complete with the tallies, canceled runs included.
//
// Per-operation errors never escape; they land in the Summary and on the
// bus. Only the pending fetch returns a non-nil error.
func (e *Engine) RunSync(ctx context.Context) (Summary, error) {
	// Triggers routinely race user-invoked runs; losing the guard is the
	// normal case, not an error.
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync run already in flight, skipping")
		return Summary{}, nil
	}
	defer e.running.Store(false)

	e.canceled.Store(false)

	if !e.monitor.IsOnline() {
		e.logger.Debug("offline, skipping sync run")
		return Summary{}, nil
	}

	ops, err := e.store.ListPending(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("sync: listing pending operations: %w", err)
	}

	if len(ops) == 0 {
		e.logger.Debug("queue empty, nothing to sync")
		return Summary{}, nil
	}

	start := time.Now()
	total := len(ops)

	e.logger.Info("sync run starting", slog.Int("pending", total))
	e.bus.Publish(TopicStart, StartEvent{Total: total})

	summary := Summary{Results: make([]Result, 0, total)}

	for i := range ops {
		if reason := e.interrupted(ctx); reason != "" {
			e.logger.Info("sync run stopping early",
				slog.String("reason", reason),
				slog.Int("dispatched", i),
				slog.Int("remaining", total-i),
			)

			break
		}

		e.bus.Publish(TopicProgress, ProgressEvent{
			Total:     total,
			Completed: summary.Synced,
			Failed:    summary.Failed,
			Current:   *ops[i],
		})

		e.dispatch(ctx, ops[i], &summary)
	}

	e.bus.Publish(TopicComplete, CompleteEvent{Synced: summary.Synced, Failed: summary.Failed})

	e.logger.Info("sync run complete",
		slog.Int("synced", summary.Synced),
		slog.Int("failed", summary.Failed),
		slog.Int("conflicts", summary.Conflicts),
		slog.Duration("duration", time.Since(start)),
	)

	return summary, nil
}

// interrupted reports why the run should stop before the next dispatch, or
// "" to continue. Checked between operations only; a dispatched operation
// always finishes.
func (e *Engine) interrupted(ctx context.Context) string {
	if e.canceled.Load() {
		return "canceled"
	}

	if err := ctx.Err(); err != nil {
		return err.Error()
	}

	return ""
}

// dispatch claims one operation, applies it, and folds the outcome into the
// queue state machine and the run summary.
func (e *Engine) dispatch(ctx context.Context, op *queue.Operation, summary *Summary) {
	if err := e.store.MarkSyncing(ctx, op.ID); err != nil {
		// The claim was refused: the row vanished, changed state under us,
		// or the store is unhealthy. Skip rather than guess.
		e.logger.Error("failed to claim operation",
			slog.String("op_id", op.ID),
			slog.String("op_type", op.Type),
			slog.String("error", err.Error()),
		)

		summary.Failed++
		summary.Results = append(summary.Results, Result{
			OperationID:   op.ID,
			OperationType: op.Type,
			Error:         err.Error(),
		})
		e.bus.Publish(TopicError, ErrorEvent{
			OperationID:   op.ID,
			OperationType: op.Type,
			Error:         err.Error(),
		})

		return
	}

	outcome := e.apply(ctx, op)

	switch outcome.Kind {
	case OutcomeApplied:
		e.completeApplied(ctx, op, summary)
	case OutcomeConflict:
		e.completeConflict(ctx, op, outcome, summary)
	case OutcomeRetryable:
		e.completeRetryable(ctx, op, outcome, summary)
	case OutcomeRejected:
		e.completeRejected(ctx, op, outcome, summary)
	}
}

// apply resolves the handler and invokes it, converting missing handlers
// and handler panics into terminal outcomes.
func (e *Engine) apply(ctx context.Context, op *queue.Operation) (out Outcome) {
	h, ok := e.registry.Lookup(op.Type)
	if !ok {
		return Rejected(fmt.Errorf("%w: %q", ErrUnknownType, op.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				slog.String("op_id", op.ID),
				slog.String("op_type", op.Type),
				slog.Any("panic", r),
			)

			out = Rejected(fmt.Errorf("sync: handler for %q panicked: %v", op.Type, r))
		}
	}()

	return h.Apply(ctx, op)
}

// completeApplied removes a successfully applied operation from the queue.
func (e *Engine) completeApplied(ctx context.Context, op *queue.Operation, summary *Summary) {
	if err := e.store.Remove(ctx, op.ID); err != nil {
		// The remote already accepted the change. The stuck row redelivers
		// on the next run; the duplicate apply is covered by the
		// operation's idempotency key.
		e.logger.Warn("synced operation could not be removed from queue",
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)
	}

	summary.Synced++
	summary.Results = append(summary.Results, Result{
		OperationID:   op.ID,
		OperationType: op.Type,
		Success:       true,
	})

	e.logger.Debug("operation synced",
		slog.String("op_id", op.ID),
		slog.String("op_type", op.Type),
	)
}

// completeConflict parks the operation in conflict state with the server's
// snapshot. Conflicts are never auto-redispatched and do not count toward
// the run's failed tally.
func (e *Engine) completeConflict(ctx context.Context, op *queue.Operation, outcome Outcome, summary *Summary) {
	msg := outcomeError(outcome)

	if err := e.store.MarkConflict(ctx, op.ID, msg, outcome.ConflictData); err != nil {
		e.logger.Error("failed to record conflict",
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)
	}

	summary.Conflicts++
	summary.Results = append(summary.Results, Result{
		OperationID:   op.ID,
		OperationType: op.Type,
		Conflict:      true,
		Error:         msg,
		ConflictData:  outcome.ConflictData,
	})

	e.logger.Warn("operation conflicted",
		slog.String("op_id", op.ID),
		slog.String("op_type", op.Type),
		slog.String("error", msg),
	)

	e.bus.Publish(TopicConflict, ConflictEvent{
		OperationID:   op.ID,
		OperationType: op.Type,
		Data:          outcome.ConflictData,
	})
}

// completeRetryable sends a transiently failed operation back through the
// retry budget: pending again while budget remains, terminally failed once
// it runs out.
func (e *Engine) completeRetryable(ctx context.Context, op *queue.Operation, outcome Outcome, summary *Summary) {
	msg := outcomeError(outcome)

	if ctx.Err() != nil {
		// The run's context died mid-dispatch, so the failure says nothing
		// about the operation itself. Put it back without burning a retry;
		// the loop stops at the next cancellation check.
		if err := e.store.MarkPending(context.WithoutCancel(ctx), op.ID, msg); err != nil {
			e.logger.Error("failed to return operation to pending after cancellation",
				slog.String("op_id", op.ID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	remain, err := e.store.IncrementRetry(ctx, op.ID)
	if err != nil {
		// Budget state is unknown; keep the operation dispatchable rather
		// than guessing it into a terminal state.
		e.logger.Error("failed to increment retry count",
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)

		remain = true
	}

	if remain {
		if err := e.store.MarkPending(ctx, op.ID, msg); err != nil {
			e.logger.Error("failed to requeue operation for retry",
				slog.String("op_id", op.ID),
				slog.String("error", err.Error()),
			)
		}

		e.logger.Warn("operation failed, will retry",
			slog.String("op_id", op.ID),
			slog.String("op_type", op.Type),
			slog.Int("retry_count", op.RetryCount+1),
			slog.String("error", msg),
		)
	} else {
		if err := e.store.MarkFailed(ctx, op.ID, msg); err != nil {
			e.logger.Error("failed to park exhausted operation",
				slog.String("op_id", op.ID),
				slog.String("error", err.Error()),
			)
		}

		e.logger.Error("operation failed permanently, retry budget exhausted",
			slog.String("op_id", op.ID),
			slog.String("op_type", op.Type),
			slog.String("error", msg),
		)
	}

	summary.Failed++
	summary.Results = append(summary.Results, Result{
		OperationID:   op.ID,
		OperationType: op.Type,
		Error:         msg,
	})

	e.bus.Publish(TopicError, ErrorEvent{
		OperationID:   op.ID,
		OperationType: op.Type,
		Error:         msg,
	})
}

// completeRejected parks a defective operation as terminally failed without
// consuming a retry. Covers unknown types, handler panics and payloads the
// enqueue-time checks let through.
func (e *Engine) completeRejected(ctx context.Context, op *queue.Operation, outcome Outcome, summary *Summary) {
	msg := outcomeError(outcome)

	if err := e.store.MarkFailed(ctx, op.ID, msg); err != nil {
		e.logger.Error("failed to park rejected operation",
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)
	}

	summary.Failed++
	summary.Results = append(summary.Results, Result{
		OperationID:   op.ID,
		OperationType: op.Type,
		Error:         msg,
	})

	e.logger.Error("operation rejected",
		slog.String("op_id", op.ID),
		slog.String("op_type", op.Type),
		slog.String("error", msg),
	)

	e.bus.Publish(TopicError, ErrorEvent{
		OperationID:   op.ID,
		OperationType: op.Type,
		Error:         msg,
	})
}

// outcomeError renders an outcome's error for storage and events.
func outcomeError(o Outcome) string {
	if o.Err == nil {
		return ""
	}

	return o.Err.Error()
}

var _ Runner = (*Engine)(nil)
