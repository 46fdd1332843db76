// Package push keeps a websocket subscription to the fleet service open and
// nudges the sync trigger when the server announces queued work for this
// device. Push is an optimization only: the client stays correct with the
// subscription disabled, since connectivity transitions and manual runs
// drain the queue anyway.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// eventSyncRequested asks the client to drain its queue soon. Other events
// are ignored so the server can add message types without breaking old
// clients in the field.
const eventSyncRequested = "sync.requested"

const (
	dialTimeout = 30 * time.Second

	// Reconnect backoff. The subscription reconnects forever; only context
	// cancellation stops it.
	reconnectInitBackoff = 5 * time.Second
	reconnectBackoffMult = 2
	reconnectMaxBackoff  = 2 * time.Minute
)

// message is the wire envelope pushed by the server.
type message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Listener maintains the push subscription.
type Listener struct {
	url    string
	token  string
	nudge  func()
	logger *slog.Logger

	initBackoff time.Duration
	maxBackoff  time.Duration
}

// NewListener creates a listener that calls nudge for every sync request
// pushed by the server. nudge must be safe to call from the listener's
// goroutine; the trigger's Kick qualifies.
func NewListener(url, token string, nudge func(), logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		url:         url,
		token:       token,
		nudge:       nudge,
		logger:      logger,
		initBackoff: reconnectInitBackoff,
		maxBackoff:  reconnectMaxBackoff,
	}
}

// Run maintains the subscription until the context is canceled, returning
// nil on clean shutdown. Connection failures reconnect with exponential
// backoff; a successful connection resets the backoff.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.initBackoff

	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if connected {
			backoff = l.initBackoff
		}

		l.logger.Warn("push channel lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff *= reconnectBackoffMult
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// listen dials the server and processes messages until the connection
// breaks. The first return reports whether the dial succeeded, so the
// caller can reset its backoff.
func (l *Listener) listen(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.url, l.dialOptions())
	cancel()

	if err != nil {
		return false, fmt.Errorf("push: dialing %s: %w", l.url, err)
	}

	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	l.logger.Info("push channel connected", slog.String("url", l.url))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("push: reading message: %w", err)
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			// One bad message is not worth a reconnect cycle.
			l.logger.Warn("discarding malformed push message",
				slog.String("error", err.Error()),
			)

			continue
		}

		l.handle(msg)
	}
}

func (l *Listener) dialOptions() *websocket.DialOptions {
	opts := &websocket.DialOptions{}

	if l.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.token}}
	}

	return opts
}

func (l *Listener) handle(msg message) {
	switch msg.Event {
	case eventSyncRequested:
		l.logger.Info("server requested sync")
		l.nudge()
	default:
		l.logger.Debug("ignoring push event", slog.String("event", msg.Event))
	}
}

// sleep waits for d or until ctx is canceled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
