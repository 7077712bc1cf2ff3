package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/regainhq/regain/pkg/store"
)

const (
	// janitorInterval spaces sweeps.
	janitorInterval = 10 * time.Minute
	// zombieAge is how long a task may sit in running before it is presumed
	// orphaned by a dead worker.
	zombieAge = 10 * time.Minute
	// eventRetention bounds the processed-events ledger. The provider stops
	// redelivering long before this.
	eventRetention = 7 * 24 * time.Hour
)

// Janitor rescues tasks orphaned in running and prunes the webhook event
// ledger.
type Janitor struct {
	tasks  *store.TaskStore
	ledger *store.EventLedger
	logger *slog.Logger
}

func NewJanitor(tasks *store.TaskStore, ledger *store.EventLedger, logger *slog.Logger) *Janitor {
	return &Janitor{tasks: tasks, ledger: ledger, logger: logger.With("component", "janitor")}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.Sweep(ctx)
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one rescue-and-prune pass.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()

	rescued, err := j.tasks.RescueZombies(ctx, now.Add(-zombieAge))
	if err != nil {
		j.logger.Error("zombie rescue failed", "error", err)
	} else if rescued > 0 {
		j.logger.Warn("rescued zombie tasks", "count", rescued)
	}

	pruned, err := j.ledger.Prune(ctx, now.Add(-eventRetention))
	if err != nil {
		j.logger.Error("event ledger prune failed", "error", err)
	} else if pruned > 0 {
		j.logger.Info("pruned processed events", "count", pruned)
	}
}
