package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyEventID rejects ledger operations without an event id.
var ErrEmptyEventID = errors.New("store: event id must not be empty")

// EventLedger is the idempotency lock over external event ids. The insert
// is the commit point: whoever lands the row owns the event, and there is
// no separate mark-processed step.
type EventLedger struct {
	db *DB
}

func NewEventLedger(db *DB) *EventLedger {
	return &EventLedger{db: db}
}

var eventsSchema = map[Dialect][]string{
	Postgres: {`
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
	},
	SQLite: {`
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			processed_at TEXT NOT NULL
		)`,
	},
}

func (l *EventLedger) Init(ctx context.Context) error {
	return execAll(ctx, l.db.SQL, eventsSchema[l.db.dialect])
}

// AttemptLock inserts the event id and reports whether this caller was the
// first writer. A lost race is not an error; it resolves as false.
func (l *EventLedger) AttemptLock(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	res, err := l.db.SQL.ExecContext(ctx, l.db.rebind(`
		INSERT INTO processed_events (event_id, processed_at)
		VALUES (?, ?)
		ON CONFLICT (event_id) DO NOTHING`),
		eventID, l.db.timeArg(time.Now()))
	if err != nil {
		return false, fmt.Errorf("store: lock event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: lock event: %w", err)
	}
	return n == 1, nil
}

// Prune deletes ledger rows older than the cutoff. The retention window
// must outlast the provider's webhook retry horizon.
func (l *EventLedger) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.SQL.ExecContext(ctx,
		l.db.rebind(`DELETE FROM processed_events WHERE processed_at < ?`),
		l.db.timeArg(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
