package sync

import (
	"encoding/json"

	"github.com/FringeDweller/fleetsync/internal/queue"
)

// Topics published by the engine. Within one run, TopicStart precedes every
// TopicProgress, which precede TopicComplete; TopicError and TopicConflict
// interleave in dispatch order.
const (
	TopicStart    = "sync:start"
	TopicProgress = "sync:progress"
	TopicComplete = "sync:complete"
	TopicError    = "sync:error"
	TopicConflict = "sync:conflict"
)

// StartEvent announces a run over a non-empty queue. Runs that find the
// queue empty publish nothing.
type StartEvent struct {
	Total int `json:"total"`
}

// ProgressEvent precedes each dispatch. Completed counts operations synced
// so far in this run; conflicts appear in neither counter.
type ProgressEvent struct {
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Current   queue.Operation `json:"current"`
}

// CompleteEvent closes a run, including runs stopped by cancellation.
type CompleteEvent struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// ErrorEvent reports a dispatch that failed, whether it went back on the
// retry budget or parked as terminally failed.
type ErrorEvent struct {
	OperationID   string `json:"operation_id"`
	OperationType string `json:"operation_type"`
	Error         string `json:"error"`
}

// ConflictEvent reports a dispatch the server rejected as stale. Data is
// the server's entity snapshot when the response carried one.
type ConflictEvent struct {
	OperationID   string          `json:"operation_id"`
	OperationType string          `json:"operation_type"`
	Data          json.RawMessage `json:"data,omitempty"`
}
