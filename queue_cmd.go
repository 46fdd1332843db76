package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FringeDweller/fleetsync/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline queue",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueAddCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueRmCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	}

	cmd.Flags().String("status", "", "filter by status (pending|syncing|conflict|failed)")

	return cmd
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	statusFlag, err := cmd.Flags().GetString("status")
	if err != nil {
		return err
	}

	var status queue.Status

	if statusFlag != "" {
		status, err = queue.ParseStatus(statusFlag)
		if err != nil {
			return err
		}
	}

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ops, err := store.List(cmd.Context(), status)
	if err != nil {
		return err
	}

	if flagJSON {
		if ops == nil {
			ops = []*queue.Operation{}
		}

		return printJSON(ops)
	}

	if len(ops) == 0 {
		if statusFlag != "" {
			statusf("No %s operations.\n", statusFlag)
		} else {
			statusf("Queue is empty.\n")
		}

		return nil
	}

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{
			truncateID(op.ID),
			op.Type,
			string(op.Status),
			strconv.Itoa(op.RetryCount),
			formatUnixNano(op.QueuedAt),
			truncateErr(op.LastError),
		})
	}

	printTable(os.Stdout, []string{"ID", "TYPE", "STATUS", "RETRIES", "QUEUED", "ERROR"}, rows)

	return nil
}

func newQueueAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <type>",
		Short: "Enqueue an operation by hand",
		Long: `Enqueue an operation without going through an application. Mostly useful
for scripting and for exercising a deployment.

The payload must be a JSON document; pass - to read it from stdin. The
full operation ID is printed on stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: runQueueAdd,
	}

	cmd.Flags().String("entity", "", "entity ID the operation targets")
	cmd.Flags().String("payload", "", "operation payload as JSON (- reads stdin)")

	return cmd
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	entity, err := cmd.Flags().GetString("entity")
	if err != nil {
		return err
	}

	payload, err := cmd.Flags().GetString("payload")
	if err != nil {
		return err
	}

	raw := []byte(payload)

	if payload == "-" {
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading payload from stdin: %w", err)
		}
	}

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	op, err := store.Enqueue(cmd.Context(), queue.Envelope{
		Type:     args[0],
		EntityID: entity,
		Payload:  raw,
	})
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(op)
	}

	// Full ID on stdout for scripting; the summary goes to stderr.
	fmt.Println(op.ID)
	statusf("Queued %s as %s.\n", op.Type, truncateID(op.ID))

	return nil
}

func newQueueRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [id...]",
		Short: "Send conflicted or failed operations back to pending",
		Long: `Send terminal operations back to pending with a fresh retry budget. The
next drain dispatches them again.

Give operation IDs (unique prefixes work) or --all to requeue every
conflicted and failed operation at once; --status narrows --all to one
of the two.`,
		RunE: runQueueRetry,
	}

	cmd.Flags().Bool("all", false, "requeue every conflicted and failed operation")
	cmd.Flags().String("status", "", "limit --all to one status (conflict|failed)")

	return cmd
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}

	statusFlag, err := cmd.Flags().GetString("status")
	if err != nil {
		return err
	}

	switch {
	case all && len(args) > 0:
		return errors.New("--all cannot be combined with operation IDs")
	case !all && statusFlag != "":
		return errors.New("--status requires --all")
	case !all && len(args) == 0:
		return errors.New("provide operation IDs or --all")
	}

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()

	if all {
		return retryAll(ctx, store, statusFlag)
	}

	requeued := make([]string, 0, len(args))

	for _, arg := range args {
		id, resolveErr := resolveOperationID(ctx, store, arg)
		if resolveErr != nil {
			return resolveErr
		}

		if requeueErr := store.Requeue(ctx, id); requeueErr != nil {
			return fmt.Errorf("requeueing %s: %w", truncateID(id), requeueErr)
		}

		requeued = append(requeued, id)

		if !flagJSON {
			statusf("Requeued %s.\n", truncateID(id))
		}
	}

	if flagJSON {
		return printJSON(struct {
			Requeued []string `json:"requeued"`
		}{Requeued: requeued})
	}

	return nil
}

// retryAll requeues every operation in the named terminal status, or in both
// terminal statuses when none is named.
func retryAll(ctx context.Context, store *queue.SQLiteStore, statusFlag string) error {
	statuses := []queue.Status{queue.StatusConflict, queue.StatusFailed}

	if statusFlag != "" {
		status, err := queue.ParseStatus(statusFlag)
		if err != nil {
			return err
		}

		if !status.Terminal() {
			return fmt.Errorf("cannot requeue %s operations, only conflict or failed", status)
		}

		statuses = []queue.Status{status}
	}

	var total int

	for _, status := range statuses {
		n, err := store.RequeueAll(ctx, status)
		if err != nil {
			return err
		}

		total += n
	}

	if flagJSON {
		return printJSON(struct {
			Requeued int `json:"requeued"`
		}{Requeued: total})
	}

	statusf("Requeued %d operation(s).\n", total)

	return nil
}

func newQueueRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove operations without syncing them",
		Long: `Remove operations from the queue. The change each one represents is
discarded, not sent to the server. IDs may be unique prefixes.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runQueueRm,
	}
}

func runQueueRm(cmd *cobra.Command, args []string) error {
	logger := buildLogger()

	store, err := openStore(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()

	removed := make([]string, 0, len(args))

	for _, arg := range args {
		id, resolveErr := resolveOperationID(ctx, store, arg)
		if resolveErr != nil {
			return resolveErr
		}

		if removeErr := store.Remove(ctx, id); removeErr != nil {
			return fmt.Errorf("removing %s: %w", truncateID(id), removeErr)
		}

		removed = append(removed, id)

		if !flagJSON {
			statusf("Removed %s.\n", truncateID(id))
		}
	}

	if flagJSON {
		return printJSON(struct {
			Removed []string `json:"removed"`
		}{Removed: removed})
	}

	return nil
}

// resolveOperationID turns user input into a full operation ID, accepting
// either the exact ID or a unique prefix of one.
func resolveOperationID(ctx context.Context, store *queue.SQLiteStore, idOrPrefix string) (string, error) {
	if idOrPrefix == "" {
		return "", errors.New("empty operation ID")
	}

	_, err := store.Get(ctx, idOrPrefix)
	if err == nil {
		return idOrPrefix, nil
	}

	if !errors.Is(err, queue.ErrNotFound) {
		return "", err
	}

	ops, err := store.List(ctx, "")
	if err != nil {
		return "", err
	}

	var match string

	for _, op := range ops {
		if strings.HasPrefix(op.ID, idOrPrefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous operation ID prefix %q — provide more characters", idOrPrefix)
			}

			match = op.ID
		}
	}

	if match == "" {
		return "", fmt.Errorf("operation %q not found", idOrPrefix)
	}

	return match, nil
}
