// Package netmon tracks device connectivity by probing a configured URL at an
// interval and publishing online/offline transitions to subscribers. The
// probe should target the fleet service itself (or a host only reachable with
// real connectivity), so captive portals and dead uplinks read as offline.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Fallbacks for zero Config fields.
const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// StatusEvent describes one connectivity transition.
type StatusEvent struct {
	Online         bool   `json:"online"`
	WasOnline      bool   `json:"was_online"`
	ConnectionType string `json:"connection_type"`
}

// Config carries Prober construction parameters.
type Config struct {
	ProbeURL       string
	Interval       time.Duration
	Timeout        time.Duration
	ConnectionType string
	HTTPClient     *http.Client // optional; defaults to a plain client
	Logger         *slog.Logger
}

// Prober is the concrete connectivity monitor. IsOnline returns the last
// probed state; Run keeps probing until the context is canceled.
type Prober struct {
	probeURL string
	interval time.Duration
	timeout  time.Duration
	connType string
	client   *http.Client
	logger   *slog.Logger

	// sleepFunc allows tests to control time.
	sleepFunc func(ctx context.Context, d time.Duration) error

	online atomic.Bool
	seeded atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]func(StatusEvent)
}

// NewProber creates a Prober from cfg, applying fallbacks for zero values.
func NewProber(cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Prober{
		probeURL:  cfg.ProbeURL,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		connType:  cfg.ConnectionType,
		client:    cfg.HTTPClient,
		logger:    cfg.Logger,
		sleepFunc: timeSleep,
		subs:      make(map[int]func(StatusEvent)),
	}
}

// IsOnline returns the last probed connectivity state. Before the first
// probe completes it reports offline.
func (p *Prober) IsOnline() bool {
	return p.online.Load()
}

// ConnectionType returns the configured link description (e.g. "wifi",
// "cellular"). Purely informational; carried on every event.
func (p *Prober) ConnectionType() string {
	return p.connType
}

// Subscribe registers a callback for connectivity transitions and returns an
// unsubscribe function. Callbacks run synchronously on the probing goroutine
// and are recovered individually, so one panicking subscriber cannot starve
// the others.
func (p *Prober) Subscribe(fn func(StatusEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.subs[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		delete(p.subs, id)
	}
}

// Run probes connectivity until ctx is canceled. Always returns nil.
func (p *Prober) Run(ctx context.Context) error {
	p.logger.Info("network monitor started",
		slog.String("probe_url", p.probeURL),
		slog.Duration("interval", p.interval),
	)

	for {
		p.CheckNow(ctx)

		if err := p.sleepFunc(ctx, p.interval); err != nil {
			p.logger.Info("network monitor stopped")
			return nil
		}
	}
}

// CheckNow performs a single probe, updates state, and notifies subscribers
// of any transition. Returns the probed state.
func (p *Prober) CheckNow(ctx context.Context) bool {
	online := p.probe(ctx)
	p.setOnline(online)

	return online
}

// probe reports whether the probe URL answered at all. Any HTTP response
// counts as online; only transport-level failure reads as offline.
func (p *Prober) probe(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		p.logger.Warn("building probe request", slog.String("error", err.Error()))
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", slog.String("error", err.Error()))
		return false
	}

	resp.Body.Close()

	return true
}

// setOnline records the probed state. The first probe only establishes the
// baseline; events fire on transitions after that.
func (p *Prober) setOnline(online bool) {
	was := p.online.Swap(online)

	if first := !p.seeded.Swap(true); first {
		p.logger.Info("connectivity baseline", slog.Bool("online", online))
		return
	}

	if was == online {
		return
	}

	p.logger.Info("connectivity changed",
		slog.Bool("online", online),
		slog.Bool("was_online", was),
	)

	p.notify(StatusEvent{Online: online, WasOnline: was, ConnectionType: p.connType})
}

func (p *Prober) notify(ev StatusEvent) {
	p.mu.Lock()
	subs := make([]func(StatusEvent), 0, len(p.subs))

	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		p.safeNotify(fn, ev)
	}
}

func (p *Prober) safeNotify(fn func(StatusEvent), ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("status subscriber panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	fn(ev)
}

// timeSleep waits for d or until ctx is canceled, whichever comes first.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
