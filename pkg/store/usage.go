package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Known metric types. The column is an open string; these are the values
// the engine itself writes.
const (
	MetricDunningEmailSent           = "dunning_email_sent"
	MetricRecoverySuccess            = "recovery_success"
	MetricRecoveryFailed             = "recovery_failed"
	MetricTaskRetry                  = "task_retry"
	MetricTaskScheduled              = "task_scheduled"
	MetricMerchantConnected          = "merchant_connected"
	MetricMerchantDisconnected       = "merchant_disconnected"
	MetricQuotaExceeded              = "quota_exceeded"
	MetricActionRequiredNotification = "action_required_notification"
	MetricSubscriptionChurned        = "subscription_churned"
)

var (
	// ErrEmptyMerchantID rejects usage writes without a tenant.
	ErrEmptyMerchantID = errors.New("store: merchant id must not be empty")
	// ErrEmptyMetricType rejects usage writes without a type.
	ErrEmptyMetricType = errors.New("store: metric type must not be empty")
	// ErrInvalidAmount rejects non-positive usage amounts.
	ErrInvalidAmount = errors.New("store: amount must be positive")
)

// UsageLog is one metered event. ReportedAt transitions null → timestamp at
// most once, when the reporter has pushed (or deliberately skipped) it.
type UsageLog struct {
	ID         int64      `json:"id"`
	MerchantID string     `json:"merchantId"`
	MetricType string     `json:"metricType"`
	Amount     int64      `json:"amount"`
	OpenedAt   *time.Time `json:"openedAt,omitempty"`
	ClickedAt  *time.Time `json:"clickedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ReportedAt *time.Time `json:"reportedAt,omitempty"`
}

// UsageStore is the quota and metering ledger.
type UsageStore struct {
	db *DB
}

func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

var usageSchema = map[Dialect][]string{
	Postgres: {`
		CREATE TABLE IF NOT EXISTS usage_logs (
			id BIGSERIAL PRIMARY KEY,
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			metric_type TEXT NOT NULL,
			amount BIGINT NOT NULL DEFAULT 1,
			opened_at TIMESTAMPTZ,
			clicked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			reported_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_merchant_type ON usage_logs (merchant_id, metric_type)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_reported ON usage_logs (reported_at)`,
		`CREATE TABLE IF NOT EXISTS daily_metrics (
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			metric_date TEXT NOT NULL,
			recovered_cents BIGINT NOT NULL DEFAULT 0,
			emails_sent BIGINT NOT NULL DEFAULT 0,
			total_opens BIGINT NOT NULL DEFAULT 0,
			total_clicks BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (merchant_id, metric_date)
		)`,
	},
	SQLite: {`
		CREATE TABLE IF NOT EXISTS usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			metric_type TEXT NOT NULL,
			amount INTEGER NOT NULL DEFAULT 1,
			opened_at TEXT,
			clicked_at TEXT,
			created_at TEXT NOT NULL,
			reported_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_merchant_type ON usage_logs (merchant_id, metric_type)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_reported ON usage_logs (reported_at)`,
		`CREATE TABLE IF NOT EXISTS daily_metrics (
			merchant_id TEXT NOT NULL REFERENCES merchants(id) ON DELETE CASCADE,
			metric_date TEXT NOT NULL,
			recovered_cents INTEGER NOT NULL DEFAULT 0,
			emails_sent INTEGER NOT NULL DEFAULT 0,
			total_opens INTEGER NOT NULL DEFAULT 0,
			total_clicks INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (merchant_id, metric_date)
		)`,
	},
}

func (s *UsageStore) Init(ctx context.Context) error {
	return execAll(ctx, s.db.SQL, usageSchema[s.db.dialect])
}

const usageColumns = `id, merchant_id, metric_type, amount, opened_at, clicked_at, created_at, reported_at`

// CreateLog inserts a usage log and rolls it up into daily_metrics in the
// same transaction: observers see both rows or neither. The rollup ADDs on
// conflict, never overwrites.
func (s *UsageStore) CreateLog(ctx context.Context, merchantID, metricType string, amount int64) (*UsageLog, error) {
	if merchantID == "" {
		return nil, ErrEmptyMerchantID
	}
	if metricType == "" {
		return nil, ErrEmptyMetricType
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	log := &UsageLog{
		MerchantID: merchantID,
		MetricType: metricType,
		Amount:     amount,
		CreatedAt:  now,
	}

	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin usage write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, s.db.rebind(`
		INSERT INTO usage_logs (merchant_id, metric_type, amount, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		merchantID, metricType, amount, s.db.timeArg(now),
	).Scan(&log.ID)
	if err != nil {
		return nil, fmt.Errorf("store: insert usage log: %w", err)
	}

	var emails int64
	if metricType == MetricDunningEmailSent {
		emails = amount
	}
	if err := s.addDaily(ctx, tx, merchantID, metricDate(now), 0, emails, 0, 0); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit usage write: %w", err)
	}
	return log, nil
}

// MonthlyDunningCount sums dunning_email_sent amounts since the first UTC
// instant of the current month. Quota gates key off this number.
func (s *UsageStore) MonthlyDunningCount(ctx context.Context, merchantID string) (int64, error) {
	var n int64
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(`
		SELECT COALESCE(SUM(amount), 0) FROM usage_logs
		WHERE merchant_id = ? AND metric_type = ? AND created_at >= ?`),
		merchantID, MetricDunningEmailSent, s.db.timeArg(monthStart(time.Now())),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: monthly dunning count: %w", err)
	}
	return n, nil
}

// Unreported returns the oldest logs not yet pushed to the provider.
func (s *UsageStore) Unreported(ctx context.Context, limit int) ([]*UsageLog, error) {
	rows, err := s.db.SQL.QueryContext(ctx, s.db.rebind(`
		SELECT `+usageColumns+` FROM usage_logs
		WHERE reported_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list unreported: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*UsageLog
	for rows.Next() {
		l, err := scanUsageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// MarkReported stamps reported_at on the given logs. Already-reported rows
// keep their original timestamp: the transition happens at most once.
func (s *UsageStore) MarkReported(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.db.timeArg(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.SQL.ExecContext(ctx, s.db.rebind(`
		UPDATE usage_logs SET reported_at = ?
		WHERE id IN (`+placeholders(len(ids))+`) AND reported_at IS NULL`), args...)
	if err != nil {
		return fmt.Errorf("store: mark reported: %w", err)
	}
	return nil
}

// RecordOpen stamps the first open of a tracked email and counts it in the
// daily rollup. Repeat opens (client prefetch, re-reads) are no-ops.
func (s *UsageStore) RecordOpen(ctx context.Context, logID int64) error {
	return s.recordEngagement(ctx, logID, "opened_at", 1, 0)
}

// RecordClick stamps the first click-through and counts it.
func (s *UsageStore) RecordClick(ctx context.Context, logID int64) error {
	return s.recordEngagement(ctx, logID, "clicked_at", 0, 1)
}

func (s *UsageStore) recordEngagement(ctx context.Context, logID int64, column string, opens, clicks int64) error {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin engagement write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var merchantID string
	err = tx.QueryRowContext(ctx,
		s.db.rebind(`SELECT merchant_id FROM usage_logs WHERE id = ?`), logID,
	).Scan(&merchantID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: load usage log: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, s.db.rebind(
		`UPDATE usage_logs SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`),
		s.db.timeArg(now), logID)
	if err != nil {
		return fmt.Errorf("store: stamp engagement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already counted once; nothing to roll up.
		return tx.Commit()
	}

	if err := s.addDaily(ctx, tx, merchantID, metricDate(now), 0, 0, opens, clicks); err != nil {
		return err
	}
	return tx.Commit()
}

// AddRecoveredCents adds recovered revenue into today's rollup.
func (s *UsageStore) AddRecoveredCents(ctx context.Context, merchantID string, cents int64) error {
	if merchantID == "" {
		return ErrEmptyMerchantID
	}
	if cents <= 0 {
		return ErrInvalidAmount
	}
	return s.addDaily(ctx, s.db.SQL, merchantID, metricDate(time.Now()), cents, 0, 0, 0)
}

// RecentActivity lists a merchant's newest usage logs.
func (s *UsageStore) RecentActivity(ctx context.Context, merchantID string, limit int) ([]*UsageLog, error) {
	rows, err := s.db.SQL.QueryContext(ctx, s.db.rebind(`
		SELECT `+usageColumns+` FROM usage_logs
		WHERE merchant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*UsageLog
	for rows.Next() {
		l, err := scanUsageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// addDaily upserts one day's counters, adding to whatever is there.
func (s *UsageStore) addDaily(ctx context.Context, q execer, merchantID, date string, recovered, emails, opens, clicks int64) error {
	_, err := q.ExecContext(ctx, s.db.rebind(`
		INSERT INTO daily_metrics (merchant_id, metric_date, recovered_cents, emails_sent, total_opens, total_clicks)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (merchant_id, metric_date) DO UPDATE SET
			recovered_cents = daily_metrics.recovered_cents + excluded.recovered_cents,
			emails_sent = daily_metrics.emails_sent + excluded.emails_sent,
			total_opens = daily_metrics.total_opens + excluded.total_opens,
			total_clicks = daily_metrics.total_clicks + excluded.total_clicks`),
		merchantID, date, recovered, emails, opens, clicks)
	if err != nil {
		return fmt.Errorf("store: roll up daily metrics: %w", err)
	}
	return nil
}

func scanUsageLog(row rowScanner) (*UsageLog, error) {
	var (
		l                            UsageLog
		opened, clicked, created, rp dbTime
	)
	err := row.Scan(&l.ID, &l.MerchantID, &l.MetricType, &l.Amount, &opened, &clicked, &created, &rp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan usage log: %w", err)
	}
	l.CreatedAt = created.T
	if opened.Valid {
		t := opened.T
		l.OpenedAt = &t
	}
	if clicked.Valid {
		t := clicked.T
		l.ClickedAt = &t
	}
	if rp.Valid {
		t := rp.T
		l.ReportedAt = &t
	}
	return &l, nil
}
