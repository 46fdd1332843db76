// Package diag serves a device-local HTTP endpoint for support tooling:
// queue contents, connectivity state, and a way to request a sync without
// restarting the daemon. It binds to loopback and carries no authentication,
// so it must never be exposed off the device.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/FringeDweller/fleetsync/internal/netmon"
	"github.com/FringeDweller/fleetsync/internal/queue"
	"github.com/FringeDweller/fleetsync/internal/sync"
)

// shutdownTimeout bounds how long in-flight requests may delay daemon exit.
const shutdownTimeout = 3 * time.Second

// QueueAccess is the slice of the queue store the endpoint uses.
type QueueAccess interface {
	Stats(ctx context.Context) (*queue.Stats, error)
	List(ctx context.Context, status queue.Status) ([]*queue.Operation, error)
	Enqueue(ctx context.Context, env queue.Envelope) (*queue.Operation, error)
}

// Connectivity reports the current link state.
type Connectivity interface {
	IsOnline() bool
	ConnectionType() string
}

// SyncState reports whether a queue drain is in flight.
type SyncState interface {
	Running() bool
}

// TriggerState exposes the sync trigger's lifetime counters.
type TriggerState interface {
	TriggerCount() int64
	LastTriggeredAt() time.Time
}

// ServerConfig holds the collaborators for NewServer. All fields except
// Logger, Version, and StartedAt are required. RequestSync must not block;
// it is called on request goroutines.
type ServerConfig struct {
	Store       QueueAccess
	Monitor     Connectivity
	Engine      SyncState
	Trigger     TriggerState
	RequestSync func()
	Logger      *slog.Logger
	Version     string
	StartedAt   time.Time
}

// Server is the diagnostics HTTP server.
type Server struct {
	store       QueueAccess
	monitor     Connectivity
	engine      SyncState
	trigger     TriggerState
	requestSync func()
	logger      *slog.Logger
	version     string
	startedAt   time.Time
}

// NewServer creates a diagnostics server from its collaborators.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	return &Server{
		store:       cfg.Store,
		monitor:     cfg.Monitor,
		engine:      cfg.Engine,
		trigger:     cfg.Trigger,
		requestSync: cfg.RequestSync,
		logger:      cfg.Logger,
		version:     cfg.Version,
		startedAt:   cfg.StartedAt,
	}
}

// Handler returns the endpoint's route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/queue", s.handleQueueList)
	r.Post("/api/queue", s.handleEnqueue)
	r.Post("/api/sync", s.handleSyncRequest)

	return r
}

// Run serves the endpoint on addr until ctx is canceled, then shuts down
// gracefully. A nil return means clean shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("diag: listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- srv.Serve(ln)
	}()

	s.logger.Info("diagnostics endpoint listening", slog.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("diag: shutting down: %w", err)
		}

		<-serveErr

		s.logger.Info("diagnostics endpoint stopped")

		return nil
	case err := <-serveErr:
		return fmt.Errorf("diag: serving on %s: %w", addr, err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Online          bool         `json:"online"`
	ConnectionType  string       `json:"connection_type,omitempty"`
	SyncRunning     bool         `json:"sync_running"`
	TriggerCount    int64        `json:"trigger_count"`
	LastTriggeredAt *time.Time   `json:"last_triggered_at,omitempty"`
	Queue           *queue.Stats `json:"queue"`
	UptimeSeconds   int64        `json:"uptime_seconds"`
	Version         string       `json:"version,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, "reading queue stats", err)
		return
	}

	resp := statusResponse{
		Online:         s.monitor.IsOnline(),
		ConnectionType: s.monitor.ConnectionType(),
		SyncRunning:    s.engine.Running(),
		TriggerCount:   s.trigger.TriggerCount(),
		Queue:          stats,
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		Version:        s.version,
	}

	if at := s.trigger.LastTriggeredAt(); !at.IsZero() {
		resp.LastTriggeredAt = &at
	}

	s.respond(w, http.StatusOK, resp)
}

// queueResponse is the GET /api/queue payload.
type queueResponse struct {
	Count      int                `json:"count"`
	Operations []*queue.Operation `json:"operations"`
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	var status queue.Status

	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := queue.ParseStatus(raw)
		if err != nil {
			s.respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		status = parsed
	}

	ops, err := s.store.List(r.Context(), status)
	if err != nil {
		s.fail(w, "listing operations", err)
		return
	}

	if ops == nil {
		ops = []*queue.Operation{}
	}

	s.respond(w, http.StatusOK, queueResponse{Count: len(ops), Operations: ops})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var env queue.Envelope

	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "decoding envelope: " + err.Error()})
		return
	}

	op, err := s.store.Enqueue(r.Context(), env)
	if errors.Is(err, queue.ErrInvalidEnvelope) {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err != nil {
		s.fail(w, "enqueueing operation", err)
		return
	}

	s.logger.Info("operation enqueued via diagnostics endpoint",
		slog.String("id", op.ID),
		slog.String("type", op.Type),
	)

	s.respond(w, http.StatusCreated, op)
}

func (s *Server) handleSyncRequest(w http.ResponseWriter, _ *http.Request) {
	s.requestSync()
	s.respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// errorResponse is the JSON error payload. The endpoint is local-only, so
// error text passes through verbatim for the operator.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("writing diagnostics response", slog.String("error", err.Error()))
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error("diagnostics request failed",
		slog.String("what", what),
		slog.String("error", err.Error()),
	)

	s.respond(w, http.StatusInternalServerError, errorResponse{Error: fmt.Sprintf("%s: %v", what, err)})
}

// Wiring expectations.
var (
	_ QueueAccess  = (*queue.SQLiteStore)(nil)
	_ Connectivity = (*netmon.Prober)(nil)
	_ SyncState    = (*sync.Engine)(nil)
	_ TriggerState = (*sync.Trigger)(nil)
)
