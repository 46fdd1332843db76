package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FringeDweller/fleetsync/internal/config"
	"github.com/FringeDweller/fleetsync/internal/netmon"
	"github.com/FringeDweller/fleetsync/internal/queue"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue depth, and daemon state",
		Long: `Show the device's connectivity, per-status queue counts, and whether a
watch daemon is running. Runs a single connectivity probe against the
configured server.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusReport is the JSON shape of the status command.
type statusReport struct {
	ServerURL      string       `json:"server_url,omitempty"`
	Online         bool         `json:"online"`
	ConnectionType string       `json:"connection_type,omitempty"`
	DBPath         string       `json:"db_path"`
	Queue          *queue.Stats `json:"queue"`
	DaemonPID      int          `json:"daemon_pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	report := statusReport{
		ServerURL:      cfg.Server.BaseURL,
		ConnectionType: cfg.Network.ConnectionType,
		DBPath:         cfg.Queue.DBPath,
		Queue:          stats,
		DaemonPID:      runningDaemonPID(config.DefaultPIDPath()),
	}

	// One probe, no loop: status is a snapshot, not a monitor.
	if probeURL(cfg) != "" {
		prober := netmon.NewProber(netmon.Config{
			ProbeURL:       probeURL(cfg),
			Timeout:        cfg.Network.TimeoutDuration(),
			ConnectionType: cfg.Network.ConnectionType,
			Logger:         logger,
		})
		report.Online = prober.CheckNow(cmd.Context())
	}

	if flagJSON {
		return printJSON(report)
	}

	printStatusText(&report)

	return nil
}

func printStatusText(r *statusReport) {
	if r.ServerURL == "" {
		fmt.Println("Server:   (not configured)")
	} else {
		state := "offline"
		if r.Online {
			state = "online"
		}

		fmt.Printf("Server:   %s\n", r.ServerURL)
		fmt.Printf("Network:  %s (%s)\n", state, r.ConnectionType)
	}

	fmt.Printf("Database: %s\n", r.DBPath)
	fmt.Printf("Queue:    %d pending, %d syncing, %d conflict, %d failed\n",
		r.Queue.Pending, r.Queue.Syncing, r.Queue.Conflict, r.Queue.Failed)

	if r.DaemonPID != 0 {
		fmt.Printf("Daemon:   running (PID %d)\n", r.DaemonPID)
	} else {
		fmt.Println("Daemon:   not running")
	}
}
