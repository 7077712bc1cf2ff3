package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Totals aggregates daily_metrics rows over a window.
type Totals struct {
	RecoveredCents int64 `json:"recoveredCents"`
	EmailsSent     int64 `json:"emailsSent"`
	TotalOpens     int64 `json:"totalOpens"`
	TotalClicks    int64 `json:"totalClicks"`
}

// DailyMetric is one merchant-day of rolled-up counters.
type DailyMetric struct {
	MerchantID     string `json:"merchantId"`
	MetricDate     string `json:"metricDate"`
	RecoveredCents int64  `json:"recoveredCents"`
	EmailsSent     int64  `json:"emailsSent"`
	TotalOpens     int64  `json:"totalOpens"`
	TotalClicks    int64  `json:"totalClicks"`
}

// TotalsSince sums the rollups for days on or after since.
func (s *UsageStore) TotalsSince(ctx context.Context, merchantID string, since time.Time) (*Totals, error) {
	var t Totals
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(`
		SELECT COALESCE(SUM(recovered_cents), 0), COALESCE(SUM(emails_sent), 0),
		       COALESCE(SUM(total_opens), 0), COALESCE(SUM(total_clicks), 0)
		FROM daily_metrics
		WHERE merchant_id = ? AND metric_date >= ?`),
		merchantID, metricDate(since),
	).Scan(&t.RecoveredCents, &t.EmailsSent, &t.TotalOpens, &t.TotalClicks)
	if err != nil {
		return nil, fmt.Errorf("store: sum daily metrics: %w", err)
	}
	return &t, nil
}

// WeeklyTotals covers the trailing seven days including today, the window
// the weekly digest reports on.
func (s *UsageStore) WeeklyTotals(ctx context.Context, merchantID string) (*Totals, error) {
	return s.TotalsSince(ctx, merchantID, time.Now().UTC().AddDate(0, 0, -6))
}

// LifetimeTotals covers everything recorded for the merchant.
func (s *UsageStore) LifetimeTotals(ctx context.Context, merchantID string) (*Totals, error) {
	return s.TotalsSince(ctx, merchantID, time.Time{})
}

// MetricsForDay reads one rollup row; absent days read as all zeros.
func (s *UsageStore) MetricsForDay(ctx context.Context, merchantID, date string) (*DailyMetric, error) {
	m := DailyMetric{MerchantID: merchantID, MetricDate: date}
	err := s.db.SQL.QueryRowContext(ctx, s.db.rebind(`
		SELECT recovered_cents, emails_sent, total_opens, total_clicks
		FROM daily_metrics
		WHERE merchant_id = ? AND metric_date = ?`),
		merchantID, date,
	).Scan(&m.RecoveredCents, &m.EmailsSent, &m.TotalOpens, &m.TotalClicks)
	if errors.Is(err, sql.ErrNoRows) {
		return &m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read daily metric: %w", err)
	}
	return &m, nil
}
