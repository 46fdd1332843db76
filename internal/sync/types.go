// Package sync implements the offline queue drain engine for fleetsync.
// It dispatches queued operations against the remote service one at a time,
// classifies each outcome into the queue's state machine, and publishes
// lifecycle events for observers. The trigger in this package decides when
// a run should happen based on connectivity transitions.
package sync

import (
	"context"
	"encoding/json"

	"github.com/FringeDweller/fleetsync/internal/netmon"
	"github.com/FringeDweller/fleetsync/internal/queue"
)

// Store is the queue surface the engine drives. *queue.SQLiteStore
// satisfies it. All transitions are guarded by the store; the engine treats
// a refused transition as an infrastructure fault, not a dispatch result.
type Store interface {
	ListPending(ctx context.Context) ([]*queue.Operation, error)
	MarkSyncing(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id, lastError string) error
	MarkConflict(ctx context.Context, id, lastError string, conflictData []byte) error
	MarkFailed(ctx context.Context, id, reason string) error
	IncrementRetry(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) error
}

// NetworkMonitor is the connectivity surface the engine consumes.
// *netmon.Prober satisfies it.
type NetworkMonitor interface {
	IsOnline() bool
}

// ConnectivitySource is the monitor surface the trigger consumes: current
// state plus transition notifications. *netmon.Prober satisfies it.
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(fn func(netmon.StatusEvent)) (unsubscribe func())
}

// Runner starts a sync run. *Engine satisfies it.
type Runner interface {
	RunSync(ctx context.Context) (Summary, error)
}

// Result records the fate of one dispatched operation within a run.
// Conflict is set when the remote rejected the operation over diverged
// state; ConflictData additionally carries the server's version of the
// entity when the rejection included one.
type Result struct {
	OperationID   string          `json:"operation_id"`
	OperationType string          `json:"operation_type"`
	Success       bool            `json:"success"`
	Conflict      bool            `json:"conflict,omitempty"`
	Error         string          `json:"error,omitempty"`
	ConflictData  json.RawMessage `json:"conflict_data,omitempty"`
}

// Summary totals a single sync run. Conflicts are counted separately from
// failures: both mean "not synced this run", but a conflict waits for a
// person to resolve it while a failure rides the retry budget.
type Summary struct {
	Synced    int      `json:"synced"`
	Failed    int      `json:"failed"`
	Conflicts int      `json:"conflicts"`
	Results   []Result `json:"results,omitempty"`
}

// Interface conformance checks.
var (
	_ Store              = (*queue.SQLiteStore)(nil)
	_ NetworkMonitor     = (*netmon.Prober)(nil)
	_ ConnectivitySource = (*netmon.Prober)(nil)
)
