package store_test

// The SQLite tests exercise behavior end to end; these verify the SQL the
// Postgres dialect actually emits, which the embedded engine cannot cover:
// row locking on claim and ? → $n rebinding.

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regainhq/regain/pkg/store"
)

func newMockDB(t *testing.T) (*store.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return store.NewWithDB(sqlDB, store.Postgres), mock
}

func taskRow(id int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "merchant_id", "type", "payload", "status", "run_at", "created_at",
	}).AddRow(id, "m_1", "dunning_retry", `{}`, "pending", now, now)
}

func TestPostgresClaimLocksRow(t *testing.T) {
	db, mock := newMockDB(t)
	tasks := store.NewTaskStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM tasks\s+WHERE status = 'pending' AND run_at <= \$1\s+ORDER BY run_at ASC, id ASC\s+LIMIT 1\s+FOR UPDATE SKIP LOCKED`).
		WillReturnRows(taskRow(7))
	mock.ExpectExec(`UPDATE tasks SET status = 'running' WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := tasks.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.EqualValues(t, 7, task.ID)
	assert.Equal(t, store.StatusRunning, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimEmptyQueueCommits(t *testing.T) {
	db, mock := newMockDB(t)
	tasks := store.NewTaskStore(db)

	// No rows: the claim resolves to (nil, nil) and the tx still commits.
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "merchant_id", "type", "payload", "status", "run_at", "created_at",
		}))
	mock.ExpectCommit()

	task, err := tasks.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRebindsPlaceholders(t *testing.T) {
	db, mock := newMockDB(t)
	tasks := store.NewTaskStore(db)

	mock.ExpectQuery(`INSERT INTO tasks .+ VALUES \(\$1, \$2, \$3, 'pending', \$4, \$5\)\s+RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	task, err := tasks.Enqueue(context.Background(), "m_1",
		store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 42, task.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
