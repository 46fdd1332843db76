// Package spool ingests operations dropped as JSON files into a watched
// directory. Other field tools (inspection forms, telematics exporters)
// write one envelope per file; the watcher enqueues each file and removes
// it, so the directory acts as a cross-process intake ramp for the queue.
//
// Writers must create files atomically: write to a temporary name and
// rename to a final name ending in ".json". Files that fail envelope
// validation are moved to a rejected/ subdirectory instead of being
// silently dropped.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/FringeDweller/fleetsync/internal/queue"
)

const (
	// rejectedDirName collects files that failed validation for later
	// inspection.
	rejectedDirName = "rejected"

	dirPermissions = 0o755

	// Watcher error backoff. Sustained errors (e.g. kernel event buffer
	// overflow) back off exponentially instead of spinning.
	errInitBackoff = 5 * time.Second
	errBackoffMult = 2
	errMaxBackoff  = 2 * time.Minute
)

// Enqueuer is the queue surface the spool feeds. *queue.SQLiteStore
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, env queue.Envelope) (*queue.Operation, error)
}

// Watcher ingests envelope files from a drop directory.
type Watcher struct {
	store  Enqueuer
	dir    string
	logger *slog.Logger
}

// NewWatcher creates a watcher over dir. The directory is created on Run.
func NewWatcher(store Enqueuer, dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{store: store, dir: dir, logger: logger}
}

// Run sweeps files that accumulated while the daemon was down, then watches
// for new drops until the context is canceled. Returns nil on clean
// shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, dirPermissions); err != nil {
		return fmt.Errorf("spool: creating drop directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool: creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("spool: watching %s: %w", w.dir, err)
	}

	w.logger.Info("spool watcher started", slog.String("dir", w.dir))

	// Files dropped before the watcher existed produce no events.
	w.sweep(ctx)

	return w.watchLoop(ctx, watcher)
}

// watchLoop is the main select loop: fsnotify events, watcher errors with
// exponential backoff, and context cancellation.
func (w *Watcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	backoff := errInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			w.handleEvent(ctx, ev)
			backoff = errInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("spool watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := sleep(ctx, backoff); sleepErr != nil {
				return nil
			}

			backoff *= errBackoffMult
			if backoff > errMaxBackoff {
				backoff = errMaxBackoff
			}
		}
	}
}

// handleEvent ingests newly renamed-in envelope files. Only Create events
// matter: the atomic-rename convention means a finished file appears in a
// single event, and temporary names are filtered out by extension.
func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}

	if !isSpoolFile(ev.Name) {
		return
	}

	w.ingest(ctx, ev.Name)
}

// sweep ingests every envelope file already present in the drop directory.
func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool sweep failed", slog.String("error", err.Error()))
		return
	}

	ingested := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}

		w.ingest(ctx, filepath.Join(w.dir, entry.Name()))
		ingested++
	}

	if ingested > 0 {
		w.logger.Info("spool sweep complete", slog.Int("files", ingested))
	}
}

// ingest parses one envelope file, enqueues it, and removes the file.
// Defective files move to rejected/; storage faults leave the file in place
// for the next sweep.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// The file may have been picked up by the sweep and removed before
		// its create event drained.
		w.logger.Debug("spool file unreadable",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)

		return
	}

	var env queue.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.reject(path, fmt.Errorf("parsing envelope: %w", err))
		return
	}

	op, err := w.store.Enqueue(ctx, env)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidEnvelope) {
			w.reject(path, err)
			return
		}

		w.logger.Error("spool enqueue failed, leaving file for next sweep",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := os.Remove(path); err != nil {
		// The file will re-enqueue as a duplicate operation on the next
		// sweep. Loud log because only the server's idempotency handling
		// stands between this and a double apply.
		w.logger.Error("failed to remove ingested spool file",
			slog.String("file", filepath.Base(path)),
			slog.String("op_id", op.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("spooled operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("op_type", op.Type),
		slog.String("file", filepath.Base(path)),
	)
}

// reject moves a defective file into the rejected/ subdirectory.
func (w *Watcher) reject(path string, reason error) {
	rejectedDir := filepath.Join(w.dir, rejectedDirName)
	if err := os.MkdirAll(rejectedDir, dirPermissions); err != nil {
		w.logger.Error("failed to create rejected directory",
			slog.String("error", err.Error()),
		)

		return
	}

	dst := filepath.Join(rejectedDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		w.logger.Error("failed to move rejected spool file",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Warn("spool file rejected",
		slog.String("file", filepath.Base(path)),
		slog.String("reason", reason.Error()),
	)
}

// isSpoolFile reports whether a path looks like a finished envelope drop:
// a non-hidden name ending in .json.
func isSpoolFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return strings.EqualFold(filepath.Ext(base), ".json")
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
