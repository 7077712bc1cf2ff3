// Package store is the single source of truth: merchants, tasks, usage
// logs, the processed-event ledger, daily rollups and email templates.
// Every multi-statement invariant runs in one transaction.
//
// Two engines are supported. Production runs Postgres; development and
// tests run embedded SQLite. SQL is shared (written with ? placeholders and
// rebound for Postgres); only DDL and the claim statement differ by dialect.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects engine-specific SQL.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// SQLite lacks a native timestamp type; values are stored as fixed-width
// UTC strings so lexicographic order equals chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the shared connection pool with its dialect.
type DB struct {
	SQL     *sql.DB
	dialect Dialect
}

// Open connects to the database named by url. postgres:// and
// postgresql:// URLs use the Postgres driver; anything else (file:…,
// :memory:) is treated as an embedded SQLite database.
func Open(url string) (*DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return &DB{SQL: db, dialect: Postgres}, nil
	}

	db, err := sql.Open("sqlite", sqliteDSN(url))
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The embedded engine has a single writer; more connections only
	// produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &DB{SQL: db, dialect: SQLite}, nil
}

// NewWithDB wraps an existing pool, mainly for tests that inject a mock
// Postgres connection.
func NewWithDB(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{SQL: sqlDB, dialect: dialect}
}

func sqliteDSN(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (db *DB) Dialect() Dialect { return db.dialect }

func (db *DB) Close() error { return db.SQL.Close() }

func (db *DB) Ping(ctx context.Context) error { return db.SQL.PingContext(ctx) }

// rebind rewrites ? placeholders to $1..$n for Postgres. Queries here never
// contain a literal question mark, so a plain scan is enough.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// timeArg converts a timestamp into the engine's storage form.
func (db *DB) timeArg(t time.Time) any {
	if db.dialect == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// dbTime scans a timestamp from either engine.
type dbTime struct {
	T     time.Time
	Valid bool
}

func (d *dbTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		d.T, d.Valid = time.Time{}, false
		return nil
	case time.Time:
		d.T, d.Valid = x.UTC(), true
		return nil
	case string:
		return d.parse(x)
	case []byte:
		return d.parse(string(x))
	default:
		return fmt.Errorf("store: cannot scan %T into time", v)
	}
}

func (d *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.T, d.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("store: unparseable time %q", s)
}

// placeholders returns "?, ?, …" with n slots, for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// metricDate formats the daily-rollup key for a moment in time.
func metricDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// monthStart returns the first instant of t's calendar month in UTC.
func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// execAll runs DDL statements one at a time; both drivers accept that.
func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}
