package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SystemMerchantID owns singleton system tasks such as the usage reporter.
const SystemMerchantID = "system"

// TaskType is the closed set of work the engine executes.
type TaskType string

const (
	TaskDunningRetry         TaskType = "dunning_retry"
	TaskNotifyActionRequired TaskType = "notify_action_required"
	TaskReportUsage          TaskType = "report_usage"
	TaskSendWeeklyDigest     TaskType = "send_weekly_digest"
)

// ValidTaskType reports membership in the closed task-type set.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskDunningRetry, TaskNotifyActionRequired, TaskReportUsage, TaskSendWeeklyDigest:
		return true
	}
	return false
}

// TaskStatus values form the transition DAG
// pending → running → {completed, failed}; the janitor may reset a stale
// running task back to pending.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// ErrInvalidTaskType rejects enqueues outside the closed set.
var ErrInvalidTaskType = errors.New("store: invalid task type")

// Task is one unit of queued work.
type Task struct {
	ID         int64           `json:"id"`
	MerchantID string          `json:"merchantId"`
	Type       TaskType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     TaskStatus      `json:"status"`
	RunAt      time.Time       `json:"runAt"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// TaskStore is the durable work queue.
type TaskStore struct {
	db *DB
}

func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

var tasksSchema = map[Dialect][]string{
	Postgres: {`
		CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			run_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks (status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_merchant ON tasks (merchant_id)`,
	},
	SQLite: {`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			run_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks (status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_merchant ON tasks (merchant_id)`,
	},
}

func (s *TaskStore) Init(ctx context.Context) error {
	return execAll(ctx, s.db.SQL, tasksSchema[s.db.dialect])
}

const taskColumns = `id, merchant_id, type, payload, status, run_at, created_at`

// Enqueue inserts a pending task. A nil payload stores an empty object.
func (s *TaskStore) Enqueue(ctx context.Context, merchantID string, typ TaskType, payload json.RawMessage, runAt time.Time) (*Task, error) {
	if !ValidTaskType(typ) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskType, typ)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	t := &Task{
		MerchantID: merchantID,
		Type:       typ,
		Payload:    payload,
		Status:     StatusPending,
		RunAt:      runAt.UTC(),
		CreatedAt:  now,
	}
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(`
		INSERT INTO tasks (merchant_id, type, payload, status, run_at, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		RETURNING id`),
		merchantID, string(typ), string(payload), s.db.timeArg(runAt), s.db.timeArg(now),
	).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue task: %w", err)
	}
	return t, nil
}

// ClaimNext atomically claims the earliest ready task and moves it to
// running. It returns (nil, nil) when nothing is ready. At most one claimant
// wins a given task regardless of how many workers poll concurrently.
//
// Postgres takes the row lock with SKIP LOCKED so contending claimants pass
// over each other instead of blocking. SQLite has no row locks; the claim
// token is the status itself, compare-and-set in a single statement.
func (s *TaskStore) ClaimNext(ctx context.Context) (*Task, error) {
	if s.db.dialect == Postgres {
		return s.claimNextPostgres(ctx)
	}
	return s.claimNextSQLite(ctx)
}

func (s *TaskStore) claimNextPostgres(ctx context.Context) (*Task, error) {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		time.Now().UTC(),
	)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'running' WHERE id = $1`, t.ID); err != nil {
		return nil, fmt.Errorf("store: mark claimed task running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}
	t.Status = StatusRunning
	return t, nil
}

func (s *TaskStore) claimNextSQLite(ctx context.Context) (*Task, error) {
	row := s.db.SQL.QueryRowContext(ctx, `
		UPDATE tasks SET status = 'running'
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND run_at <= ?
			ORDER BY run_at ASC, id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+taskColumns,
		s.db.timeArg(time.Now()),
	)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// UpdateStatus is an unconditional transition; callers enforce legality.
func (s *TaskStore) UpdateStatus(ctx context.Context, id int64, status TaskStatus) error {
	res, err := s.db.SQL.ExecContext(ctx,
		s.db.rebind(`UPDATE tasks SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Retry makes a task eligible again immediately.
func (s *TaskStore) Retry(ctx context.Context, id int64) error {
	res, err := s.db.SQL.ExecContext(ctx,
		s.db.rebind(`UPDATE tasks SET status = 'pending', run_at = ? WHERE id = ?`),
		s.db.timeArg(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: retry task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *TaskStore) ByID(ctx context.Context, id int64) (*Task, error) {
	row := s.db.SQL.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanTask(row)
}

// ListByMerchant returns the merchant's tasks newest-first, optionally
// filtered by status.
func (s *TaskStore) ListByMerchant(ctx context.Context, merchantID string, status TaskStatus, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE merchant_id = ?`
	args := []any{merchantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.SQL.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// PendingCount backs the queue-limit quota gate.
func (s *TaskStore) PendingCount(ctx context.Context, merchantID string) (int64, error) {
	var n int64
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(
		`SELECT COUNT(*) FROM tasks WHERE merchant_id = ? AND status = 'pending'`), merchantID).Scan(&n)
	return n, err
}

// CountByStatus powers dashboard stats.
func (s *TaskStore) CountByStatus(ctx context.Context, merchantID string) (map[TaskStatus]int64, error) {
	rows, err := s.db.SQL.QueryContext(ctx, s.db.rebind(
		`SELECT status, COUNT(*) FROM tasks WHERE merchant_id = ? GROUP BY status`), merchantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *TaskStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.SQL.ExecContext(ctx, s.db.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("store: delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCompleted clears a merchant's completed tasks, returning the count.
func (s *TaskStore) DeleteCompleted(ctx context.Context, merchantID string) (int64, error) {
	res, err := s.db.SQL.ExecContext(ctx, s.db.rebind(
		`DELETE FROM tasks WHERE merchant_id = ? AND status = 'completed'`), merchantID)
	if err != nil {
		return 0, fmt.Errorf("store: delete completed tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteActive removes pending and running tasks on disconnect so a severed
// tenant stops dunning immediately.
func (s *TaskStore) DeleteActive(ctx context.Context, merchantID string) (int64, error) {
	res, err := s.db.SQL.ExecContext(ctx, s.db.rebind(
		`DELETE FROM tasks WHERE merchant_id = ? AND status IN ('pending', 'running')`), merchantID)
	if err != nil {
		return 0, fmt.Errorf("store: delete active tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RescueZombies resets running tasks older than the cutoff back to pending
// with an immediate run_at. The running lease is implicit in row age.
func (s *TaskStore) RescueZombies(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.SQL.ExecContext(ctx, s.db.rebind(`
		UPDATE tasks SET status = 'pending', run_at = ?
		WHERE status = 'running' AND created_at < ?`),
		s.db.timeArg(time.Now()), s.db.timeArg(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: rescue zombies: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ActiveCountByType counts pending or running tasks of one type, the
// watchdog's liveness probe for self-scheduling chains.
func (s *TaskStore) ActiveCountByType(ctx context.Context, merchantID string, typ TaskType) (int64, error) {
	var n int64
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(`
		SELECT COUNT(*) FROM tasks
		WHERE merchant_id = ? AND type = ? AND status IN ('pending', 'running')`),
		merchantID, string(typ)).Scan(&n)
	return n, err
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                Task
		typ, status      string
		payload          string
		runAt, createdAt dbTime
	)
	err := row.Scan(&t.ID, &t.MerchantID, &typ, &payload, &status, &runAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.Type = TaskType(typ)
	t.Status = TaskStatus(status)
	t.Payload = json.RawMessage(payload)
	t.RunAt = runAt.T
	t.CreatedAt = createdAt.T
	return &t, nil
}
