package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/FringeDweller/fleetsync/internal/bus"
	"github.com/FringeDweller/fleetsync/internal/config"
	"github.com/FringeDweller/fleetsync/internal/netmon"
	"github.com/FringeDweller/fleetsync/internal/queue"
	"github.com/FringeDweller/fleetsync/internal/remote"
	"github.com/FringeDweller/fleetsync/internal/sync"
)

// session aggregates the wired sync machinery for commands that dispatch
// operations (sync, watch). Queue inspection commands open the store alone
// via openStore and never need a server connection.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *queue.SQLiteStore
	bus     *bus.Bus
	engine  *sync.Engine
	prober  *netmon.Prober
	trigger *sync.Trigger
}

// newSession wires store, remote handlers, connectivity prober, event bus,
// engine, and trigger from the resolved config.
func newSession(cfg *config.Config, logger *slog.Logger) (*session, error) {
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("server.base_url is not configured (set it in the config file, %s, or --server)",
			config.EnvServerURL)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(
		cfg.Server.BaseURL,
		cfg.Server.Token,
		&http.Client{Timeout: cfg.Server.TimeoutDuration()},
		logger,
	)

	registry := sync.NewRegistry()
	remote.NewHandlers(client).RegisterAll(registry)

	prober := netmon.NewProber(netmon.Config{
		ProbeURL:       probeURL(cfg),
		Interval:       cfg.Network.IntervalDuration(),
		Timeout:        cfg.Network.TimeoutDuration(),
		ConnectionType: cfg.Network.ConnectionType,
		Logger:         logger,
	})

	eventBus := bus.New(logger)

	engine := sync.NewEngine(sync.EngineConfig{
		Store:    store,
		Monitor:  prober,
		Registry: registry,
		Bus:      eventBus,
		Logger:   logger,
	})

	trigger := sync.NewTrigger(engine, prober, cfg.Sync.DebounceDuration(), logger)

	return &session{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		bus:     eventBus,
		engine:  engine,
		prober:  prober,
		trigger: trigger,
	}, nil
}

// Close releases the queue store. Safe to call once the engine is idle.
func (s *session) Close() error {
	return s.store.Close()
}

// openStore opens the queue database from the resolved config, creating the
// data directory on first run.
func openStore(cfg *config.Config, logger *slog.Logger) (*queue.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Queue.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	store, err := queue.NewStore(cfg.Queue.DBPath, cfg.Queue.MaxRetries, logger)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}

	return store, nil
}

// probeURL picks the connectivity probe target: the configured probe URL, or
// the fleet service itself when none is set. Probing the service the queue
// drains against is the most honest reachability signal anyway.
func probeURL(cfg *config.Config) string {
	if cfg.Network.ProbeURL != "" {
		return cfg.Network.ProbeURL
	}

	return cfg.Server.BaseURL
}
