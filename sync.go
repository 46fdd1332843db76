package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/FringeDweller/fleetsync/internal/config"
	"github.com/FringeDweller/fleetsync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the offline queue now",
		Long: `Run one queue drain against the fleet service and print per-operation
results.

When a watch daemon is running, the drain is delegated to it via SIGHUP
instead of competing for the queue; its results land in the daemon log
and on the diagnostics endpoint.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	// A running daemon owns the drain loop. Hand the request over rather
	// than racing it for the same operations.
	pid, err := nudgeDaemon(config.DefaultPIDPath())
	if err != nil {
		return err
	}

	if pid != 0 {
		if flagJSON {
			return printJSON(struct {
				Delegated bool `json:"delegated"`
				DaemonPID int  `json:"daemon_pid"`
			}{Delegated: true, DaemonPID: pid})
		}

		statusf("Watch daemon is running (PID %d); asked it to sync now.\n", pid)

		return nil
	}

	sess, err := newSession(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := shutdownContext(cmd.Context(), logger)

	// Operations stranded in syncing by a crashed process go back to
	// pending before this run claims anything.
	reclaimed, err := sess.store.ReclaimSyncing(ctx)
	if err != nil {
		return err
	}

	if reclaimed > 0 {
		statusf("Reclaimed %d interrupted operation(s).\n", reclaimed)
	}

	if !sess.prober.CheckNow(ctx) {
		stats, statsErr := sess.store.Stats(ctx)
		if statsErr != nil {
			return statsErr
		}

		if flagJSON {
			return printJSON(struct {
				Online  bool `json:"online"`
				Pending int  `json:"pending"`
			}{Pending: stats.Pending})
		}

		statusf("Offline; %d operation(s) waiting for connectivity.\n", stats.Pending)

		return nil
	}

	if !flagJSON {
		var seen int

		sub := sess.bus.Subscribe(sync.TopicProgress, func(payload any) {
			ev, ok := payload.(sync.ProgressEvent)
			if !ok {
				return
			}

			seen++
			statusf("(%d/%d) %s %s\n", seen, ev.Total, truncateID(ev.Current.ID), ev.Current.Type)
		})
		defer sess.bus.Unsubscribe(sub)
	}

	summary, err := sess.engine.RunSync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if flagJSON {
		return printJSON(summary)
	}

	printSummary(&summary)

	return nil
}

// printSummary renders per-operation results as a table plus a tally line.
func printSummary(summary *sync.Summary) {
	if len(summary.Results) == 0 {
		statusf("Queue is empty, nothing to sync.\n")

		return
	}

	rows := make([][]string, 0, len(summary.Results))
	for _, r := range summary.Results {
		rows = append(rows, []string{
			truncateID(r.OperationID),
			r.OperationType,
			resultString(&r),
			truncateErr(r.Error),
		})
	}

	printTable(os.Stdout, []string{"ID", "TYPE", "RESULT", "ERROR"}, rows)

	statusf("Synced %d, failed %d, conflicts %d.\n",
		summary.Synced, summary.Failed, summary.Conflicts)
}

// resultString names the outcome of one dispatched operation.
func resultString(r *sync.Result) string {
	switch {
	case r.Success:
		return "synced"
	case r.Conflict:
		return "conflict"
	default:
		return "failed"
	}
}
