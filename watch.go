package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/FringeDweller/fleetsync/internal/config"
	"github.com/FringeDweller/fleetsync/internal/diag"
	"github.com/FringeDweller/fleetsync/internal/push"
	"github.com/FringeDweller/fleetsync/internal/spool"
	"github.com/FringeDweller/fleetsync/internal/sync"
)

// engineIdleTimeout bounds how long shutdown waits for a drain that was
// fired by the trigger and so cannot be joined directly.
const engineIdleTimeout = 5 * time.Second

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the background sync daemon",
		Long: `Run the background sync daemon. It probes connectivity on an interval
and drains the offline queue whenever the device comes online, retrying
and parking operations per their outcomes.

The config file can enable extra ingresses: a spool directory other
programs drop operation envelopes into, a websocket listener for
server-pushed sync nudges, and a loopback diagnostics endpoint.

Send SIGHUP for an immediate drain (fleetsync sync does this for you
when the daemon is up). SIGINT or SIGTERM shuts down gracefully,
finishing the operation in flight.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	cleanup, err := writePIDFile(config.DefaultPIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := shutdownContext(cmd.Context(), logger)

	// Operations stranded in syncing by a crashed process go back to
	// pending before anything here can claim them.
	reclaimed, err := sess.store.ReclaimSyncing(ctx)
	if err != nil {
		return fmt.Errorf("reclaiming interrupted operations: %w", err)
	}

	if reclaimed > 0 {
		logger.Info("reclaimed interrupted operations", slog.Int("count", reclaimed))
	}

	g, gctx := errgroup.WithContext(ctx)

	// syncNow skips the debounce for operator-requested drains (SIGHUP and
	// the diagnostics endpoint). The engine single-flights runs, so firing
	// while a drain is already going is a no-op.
	syncNow := func() {
		go func() {
			if _, runErr := sess.engine.RunSync(gctx); runErr != nil {
				logger.Error("requested sync failed", slog.String("error", runErr.Error()))
			}
		}()
	}

	g.Go(func() error {
		return sess.prober.Run(gctx)
	})

	sess.trigger.Start(gctx)
	defer sess.trigger.Stop()

	g.Go(func() error {
		return watchSIGHUP(gctx, syncNow, logger)
	})

	if cfg.Spool.Enabled {
		watcher := spool.NewWatcher(sess.store, cfg.Spool.Dir, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.Push.Enabled {
		listener := push.NewListener(cfg.Push.URL, cfg.Server.Token, sess.trigger.Kick, logger)
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	if cfg.Diag.Enabled {
		server := diag.NewServer(diag.ServerConfig{
			Store:       sess.store,
			Monitor:     sess.prober,
			Engine:      sess.engine,
			Trigger:     sess.trigger,
			RequestSync: syncNow,
			Logger:      logger,
			Version:     version,
		})
		g.Go(func() error {
			return server.Run(gctx, cfg.Diag.Addr)
		})
	}

	// Seed the connectivity baseline now so the first interval probe
	// publishes a transition instead of the initial state.
	online := sess.prober.CheckNow(gctx)

	if cfg.Sync.SyncOnStart {
		sess.trigger.Kick()
	}

	logger.Info("fleetsync watch started",
		slog.String("server", cfg.Server.BaseURL),
		slog.String("db", cfg.Queue.DBPath),
		slog.Bool("online", online),
		slog.Bool("spool", cfg.Spool.Enabled),
		slog.Bool("push", cfg.Push.Enabled),
		slog.Bool("diag", cfg.Diag.Enabled),
	)

	err = g.Wait()

	// A drain fired by the trigger or syncNow is not join-able; give it a
	// moment to notice the cancellation before the store closes under it.
	waitEngineIdle(sess.engine, engineIdleTimeout)

	logger.Info("fleetsync watch stopped")

	return err
}

// waitEngineIdle polls until the engine has no run in flight or the limit
// passes.
func waitEngineIdle(engine *sync.Engine, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for engine.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}
