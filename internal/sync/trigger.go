package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/FringeDweller/fleetsync/internal/netmon"
)

// DefaultDebounce is the delay between regaining connectivity and starting
// a sync run. Field connections flap; the delay collapses a burst of
// transitions into at most one run.
const DefaultDebounce = 2 * time.Second

// Trigger watches connectivity transitions and starts sync runs. A single
// replaceable one-shot timer implements the debounce: every offline→online
// transition cancels any armed timer and arms a fresh one, so timers never
// accumulate. An online→offline transition cancels the timer but never
// interrupts a run already in flight.
type Trigger struct {
	runner   Runner
	monitor  ConnectivitySource
	debounce time.Duration
	logger   *slog.Logger

	mu          stdsync.Mutex
	active      bool
	unsubscribe func()
	timer       *time.Timer
	timerGen    uint64
	runCtx      context.Context

	triggerCount    atomic.Int64
	lastTriggeredAt atomic.Int64 // unix nanos, 0 until the first run
}

// NewTrigger creates a stopped trigger. debounce <= 0 selects
// DefaultDebounce.
func NewTrigger(runner Runner, monitor ConnectivitySource, debounce time.Duration, logger *slog.Logger) *Trigger {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Trigger{
		runner:   runner,
		monitor:  monitor,
		debounce: debounce,
		logger:   logger,
	}
}

// Start subscribes to connectivity transitions. Runs started by the
// trigger inherit ctx. Idempotent; a second Start while active is a no-op.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return
	}

	t.active = true
	t.runCtx = ctx
	t.unsubscribe = t.monitor.Subscribe(t.onStatusChange)

	t.logger.Info("sync trigger started", slog.Duration("debounce", t.debounce))
}

// Stop unsubscribes and cancels any armed debounce timer. A run already in
// flight is left alone. TriggerCount and LastTriggeredAt survive
// Stop/Start cycles. Idempotent.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}

	t.active = false
	t.cancelTimerLocked()
	t.unsubscribe()
	t.unsubscribe = nil

	t.logger.Info("sync trigger stopped")
}

// Kick arms the debounce timer as if connectivity had just been restored.
// Push notifications and signal handlers use it to request a near-term run
// without bypassing burst collapsing. No-op while stopped.
func (t *Trigger) Kick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}

	t.armTimerLocked()
}

// TriggerCount reports how many runs the trigger has started over its
// lifetime.
func (t *Trigger) TriggerCount() int64 {
	return t.triggerCount.Load()
}

// LastTriggeredAt reports when the trigger last started a run. The zero
// time means never.
func (t *Trigger) LastTriggeredAt() time.Time {
	ns := t.lastTriggeredAt.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

// onStatusChange handles one connectivity transition from the monitor.
func (t *Trigger) onStatusChange(ev netmon.StatusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}

	if !ev.Online {
		t.cancelTimerLocked()
		t.logger.Debug("connection lost, debounce canceled")

		return
	}

	t.logger.Info("connection restored, scheduling sync",
		slog.Duration("delay", t.debounce),
		slog.String("connection_type", ev.ConnectionType),
	)
	t.armTimerLocked()
}

// armTimerLocked replaces any armed timer with a fresh one. Caller holds mu.
func (t *Trigger) armTimerLocked() {
	t.cancelTimerLocked()

	// The generation guards against a stale fire racing a newer timer.
	t.timerGen++
	gen := t.timerGen
	t.timer = time.AfterFunc(t.debounce, func() { t.fire(gen) })
}

// cancelTimerLocked stops and clears the armed timer. Caller holds mu.
func (t *Trigger) cancelTimerLocked() {
	if t.timer == nil {
		return
	}

	t.timer.Stop()
	t.timer = nil
}

// fire runs when the debounce elapses. It re-checks connectivity before
// invoking the runner: if the connection dropped again during the wait, the
// fire is skipped silently. The runner's single-flight guard makes
// redundant fires harmless.
func (t *Trigger) fire(gen uint64) {
	t.mu.Lock()

	if !t.active || gen != t.timerGen {
		t.mu.Unlock()
		return
	}

	t.timer = nil
	ctx := t.runCtx
	t.mu.Unlock()

	if !t.monitor.IsOnline() {
		t.logger.Debug("connectivity dropped during debounce, skipping sync")
		return
	}

	t.triggerCount.Add(1)
	t.lastTriggeredAt.Store(time.Now().UnixNano())

	t.logger.Debug("debounce elapsed, starting sync run")

	if _, err := t.runner.RunSync(ctx); err != nil {
		t.logger.Error("triggered sync run failed", slog.String("error", err.Error()))
	}
}
