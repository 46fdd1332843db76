package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps WAL growth between checkpoints.
const walJournalSizeLimit = 67108864 // 64 MiB

// SQLiteStore is the durable operation queue. Every status mutation is
// transition-guarded in SQL, so a row can never skip states regardless of
// which process (daemon, CLI) issues the update.
type SQLiteStore struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int

	// Prepared statements, split between the dispatch hot path and the
	// inspection/maintenance surface.
	opStmts    opStatements
	adminStmts adminStatements
}

type opStatements struct {
	insert, get, listPending                           *sql.Stmt
	markSyncing, markPending, markConflict, markFailed *sql.Stmt
	incrementRetry, getRetryCount, remove              *sql.Stmt
}

type adminStatements struct {
	listAll, listByStatus, requeue, requeueAll, reclaimSyncing, countByStatus *sql.Stmt
}

// NewStore opens (or creates) the queue database at dbPath, applies
// migrations, and prepares all repeated statements. maxRetries is the retry
// budget per operation. Use ":memory:" for tests.
func NewStore(dbPath string, maxRetries int, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening operation queue", "path", dbPath)

	// DSN parameters ensure pragmas apply to every connection from the
	// pool. busy_timeout matters here because a watch daemon and one-shot
	// CLI invocations share this database.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(%d)",
		dbPath, walJournalSizeLimit,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger, maxRetries: maxRetries}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: prepare statements: %w", err)
	}

	return s, nil
}

// --- SQL query constants ---

const (
	sqlOpColumns = `id, op_type, payload, entity_id, idempotency_key,
		status, retry_count, last_error, conflict_data, queued_at, updated_at`

	sqlInsertOp = `INSERT INTO queue_operations (` + sqlOpColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetOp = `SELECT ` + sqlOpColumns + `
		FROM queue_operations WHERE id = ?`

	// Arrival order. The id tiebreak keeps same-instant rows deterministic.
	sqlListPending = `SELECT ` + sqlOpColumns + `
		FROM queue_operations WHERE status = 'pending'
		ORDER BY queued_at, id`

	sqlListAll = `SELECT ` + sqlOpColumns + `
		FROM queue_operations ORDER BY queued_at, id`

	sqlListByStatus = `SELECT ` + sqlOpColumns + `
		FROM queue_operations WHERE status = ?
		ORDER BY queued_at, id`

	sqlMarkSyncing = `UPDATE queue_operations
		SET status = 'syncing', updated_at = ?
		WHERE id = ? AND status = 'pending'`

	sqlMarkPending = `UPDATE queue_operations
		SET status = 'pending', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'syncing'`

	sqlMarkConflict = `UPDATE queue_operations
		SET status = 'conflict', last_error = ?, conflict_data = ?, updated_at = ?
		WHERE id = ? AND status = 'syncing'`

	sqlMarkFailed = `UPDATE queue_operations
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'syncing')`

	sqlIncrementRetry = `UPDATE queue_operations
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ?`

	sqlGetRetryCount = `SELECT retry_count FROM queue_operations WHERE id = ?`

	sqlRemoveOp = `DELETE FROM queue_operations WHERE id = ?`

	sqlRequeue = `UPDATE queue_operations
		SET status = 'pending', retry_count = 0, last_error = NULL,
			conflict_data = NULL, updated_at = ?
		WHERE id = ? AND status IN ('conflict', 'failed')`

	sqlRequeueAll = `UPDATE queue_operations
		SET status = 'pending', retry_count = 0, last_error = NULL,
			conflict_data = NULL, updated_at = ?
		WHERE status = ?`

	sqlReclaimSyncing = `UPDATE queue_operations
		SET status = 'pending', updated_at = ?
		WHERE status = 'syncing'`

	sqlCountByStatus = `SELECT status, COUNT(*)
		FROM queue_operations GROUP BY status`
)

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.opStmts.insert, sqlInsertOp, "insert"},
		{&s.opStmts.get, sqlGetOp, "get"},
		{&s.opStmts.listPending, sqlListPending, "list pending"},
		{&s.opStmts.markSyncing, sqlMarkSyncing, "mark syncing"},
		{&s.opStmts.markPending, sqlMarkPending, "mark pending"},
		{&s.opStmts.markConflict, sqlMarkConflict, "mark conflict"},
		{&s.opStmts.markFailed, sqlMarkFailed, "mark failed"},
		{&s.opStmts.incrementRetry, sqlIncrementRetry, "increment retry"},
		{&s.opStmts.getRetryCount, sqlGetRetryCount, "get retry count"},
		{&s.opStmts.remove, sqlRemoveOp, "remove"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.adminStmts.listAll, sqlListAll, "list all"},
		{&s.adminStmts.listByStatus, sqlListByStatus, "list by status"},
		{&s.adminStmts.requeue, sqlRequeue, "requeue"},
		{&s.adminStmts.requeueAll, sqlRequeueAll, "requeue all"},
		{&s.adminStmts.reclaimSyncing, sqlReclaimSyncing, "reclaim syncing"},
		{&s.adminStmts.countByStatus, sqlCountByStatus, "count by status"},
	})
}

// stmtDef maps a SQL string to the prepared statement pointer it should populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// --- Enqueue and reads ---

// Enqueue validates the envelope and inserts a new pending operation with a
// fresh ID and idempotency key. Returns the stored operation.
func (s *SQLiteStore) Enqueue(ctx context.Context, env Envelope) (*Operation, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	op := &Operation{
		ID:             uuid.NewString(),
		Type:           env.Type,
		Payload:        env.Payload,
		EntityID:       env.EntityID,
		IdempotencyKey: uuid.NewString(),
		Status:         StatusPending,
		QueuedAt:       now,
		UpdatedAt:      now,
	}

	if _, err := s.opStmts.insert.ExecContext(ctx,
		op.ID, op.Type, []byte(op.Payload), nullString(op.EntityID),
		op.IdempotencyKey, string(op.Status), op.RetryCount,
		nil, nil, op.QueuedAt, op.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", op.Type, err)
	}

	s.logger.Info("operation queued",
		slog.String("id", op.ID),
		slog.String("type", op.Type),
	)

	return op, nil
}

// Get retrieves a single operation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Operation, error) {
	op, err := scanOperation(s.opStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}

	return op, nil
}

// ListPending returns all pending operations in arrival order. This is the
// snapshot the engine dispatches during one run.
func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Operation, error) {
	rows, err := s.opStmts.listPending.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	defer rows.Close()

	return scanOperationRows(rows)
}

// List returns operations filtered by status, or all operations when status
// is empty, in arrival order.
func (s *SQLiteStore) List(ctx context.Context, status Status) ([]*Operation, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status == "" {
		rows, err = s.adminStmts.listAll.QueryContext(ctx)
	} else {
		rows, err = s.adminStmts.listByStatus.QueryContext(ctx, string(status))
	}

	if err != nil {
		return nil, fmt.Errorf("queue: list operations: %w", err)
	}
	defer rows.Close()

	return scanOperationRows(rows)
}

// --- Status transitions (engine dispatch path) ---

// MarkSyncing transitions an operation from pending to syncing.
func (s *SQLiteStore) MarkSyncing(ctx context.Context, id string) error {
	result, err := s.opStmts.markSyncing.ExecContext(ctx, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: mark syncing %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("queue: mark syncing %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("queue: mark syncing %s: operation not %s", id, StatusPending)
	}

	return nil
}

// MarkPending transitions an operation from syncing back to pending after a
// retryable failure, recording the error for inspection.
func (s *SQLiteStore) MarkPending(ctx context.Context, id, lastError string) error {
	result, err := s.opStmts.markPending.ExecContext(ctx, nullString(lastError), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: mark pending %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("queue: mark pending %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("queue: mark pending %s: operation not %s", id, StatusSyncing)
	}

	return nil
}

// MarkConflict transitions an operation from syncing to conflict, storing the
// server's version of the entity alongside the rejection error.
func (s *SQLiteStore) MarkConflict(ctx context.Context, id, lastError string, conflictData []byte) error {
	result, err := s.opStmts.markConflict.ExecContext(ctx,
		nullString(lastError), conflictData, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: mark conflict %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("queue: mark conflict %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("queue: mark conflict %s: operation not %s", id, StatusSyncing)
	}

	return nil
}

// MarkFailed transitions an operation to the terminal failed state, recording
// the reason. Accepted from pending as well as syncing so defective
// operations can be parked without ever being dispatched.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, reason string) error {
	result, err := s.opStmts.markFailed.ExecContext(ctx, nullString(reason), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: mark failed %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("queue: mark failed %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("queue: mark failed %s: operation not active", id)
	}

	return nil
}

// IncrementRetry bumps the retry counter and reports whether the operation
// still has retry budget left.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) (bool, error) {
	result, err := s.opStmts.incrementRetry.ExecContext(ctx, time.Now().UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("queue: increment retry %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return false, fmt.Errorf("queue: increment retry %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return false, ErrNotFound
	}

	var count int
	if err := s.opStmts.getRetryCount.QueryRowContext(ctx, id).Scan(&count); err != nil {
		return false, fmt.Errorf("queue: read retry count %s: %w", id, err)
	}

	return count < s.maxRetries, nil
}

// Remove deletes an operation, normally after a successful remote apply.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	result, err := s.opStmts.remove.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("queue: remove %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// --- Maintenance surface (CLI, diagnostics) ---

// Requeue moves a conflict or failed operation back to pending with a fresh
// retry budget, clearing the recorded error and conflict snapshot.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	result, err := s.adminStmts.requeue.ExecContext(ctx, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("queue: requeue %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}

		return fmt.Errorf("queue: requeue %s: operation not in %s or %s state",
			id, StatusConflict, StatusFailed)
	}

	s.logger.Info("operation requeued", slog.String("id", id))

	return nil
}

// RequeueAll moves every operation in the given terminal status back to
// pending. Returns the number of requeued operations.
func (s *SQLiteStore) RequeueAll(ctx context.Context, status Status) (int, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("queue: requeue all: status %q is not requeueable", status)
	}

	result, err := s.adminStmts.requeueAll.ExecContext(ctx, time.Now().UnixNano(), string(status))
	if err != nil {
		return 0, fmt.Errorf("queue: requeue all %s: %w", status, err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("queue: requeue all rows affected: %w", rowsErr)
	}

	if n > 0 {
		s.logger.Info("operations requeued",
			slog.String("from_status", string(status)),
			slog.Int64("count", n),
		)
	}

	return int(n), nil
}

// ReclaimSyncing resets operations stuck in syncing back to pending. An
// operation can only be left in syncing by a crash mid-dispatch, so this
// must run before the first sync of a process, never while one is active.
func (s *SQLiteStore) ReclaimSyncing(ctx context.Context) (int, error) {
	result, err := s.adminStmts.reclaimSyncing.ExecContext(ctx, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim syncing: %w", err)
	}

	n, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("queue: reclaim rows affected: %w", rowsErr)
	}

	if n > 0 {
		s.logger.Warn("reclaimed interrupted operations", slog.Int64("count", n))
	}

	return int(n), nil
}

// Stats returns per-status operation counts.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.adminStmts.countByStatus.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: count by status: %w", err)
	}
	defer rows.Close()

	var st Stats

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: scan status count: %w", err)
		}

		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusSyncing:
			st.Syncing = n
		case StatusConflict:
			st.Conflict = n
		case StatusFailed:
			st.Failed = n
		}

		st.Total += n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate status counts: %w", err)
	}

	return &st, nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing operation queue")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("queue: close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.opStmts.insert, s.opStmts.get, s.opStmts.listPending,
		s.opStmts.markSyncing, s.opStmts.markPending,
		s.opStmts.markConflict, s.opStmts.markFailed,
		s.opStmts.incrementRetry, s.opStmts.getRetryCount, s.opStmts.remove,
		s.adminStmts.listAll, s.adminStmts.listByStatus,
		s.adminStmts.requeue, s.adminStmts.requeueAll,
		s.adminStmts.reclaimSyncing, s.adminStmts.countByStatus,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// --- Scan helpers ---

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	var (
		op           Operation
		payload      []byte
		entityID     sql.NullString
		status       string
		lastError    sql.NullString
		conflictData []byte
	)

	err := row.Scan(
		&op.ID, &op.Type, &payload, &entityID, &op.IdempotencyKey,
		&status, &op.RetryCount, &lastError, &conflictData,
		&op.QueuedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Payload = payload
	op.EntityID = entityID.String
	op.Status = Status(status)
	op.LastError = lastError.String
	op.ConflictData = conflictData

	return &op, nil
}

// scanOperationRows iterates over sql.Rows and collects Operations.
func scanOperationRows(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}

		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}

	return ops, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
