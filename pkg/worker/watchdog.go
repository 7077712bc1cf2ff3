package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regainhq/regain/pkg/store"
)

// EnsureScheduled repairs the self-perpetuating task chains at startup:
// exactly one usage reporter for the system, one weekly digest per
// merchant. Chains break when a process dies between finishing a task and
// enqueueing its successor; without this check they stay broken forever.
func EnsureScheduled(ctx context.Context, merchants *store.MerchantStore,
	tasks *store.TaskStore, logger *slog.Logger) error {
	logger = logger.With("component", "watchdog")

	n, err := tasks.ActiveCountByType(ctx, store.SystemMerchantID, store.TaskReportUsage)
	if err != nil {
		return fmt.Errorf("worker: count usage reporters: %w", err)
	}
	if n == 0 {
		if _, err := tasks.Enqueue(ctx, store.SystemMerchantID, store.TaskReportUsage,
			nil, time.Now()); err != nil {
			return fmt.Errorf("worker: bootstrap usage reporter: %w", err)
		}
		logger.Warn("usage reporter chain was broken, restarted")
	}

	ids, err := merchants.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("worker: list merchants: %w", err)
	}
	for _, id := range ids {
		n, err := tasks.ActiveCountByType(ctx, id, store.TaskSendWeeklyDigest)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := tasks.Enqueue(ctx, id, store.TaskSendWeeklyDigest, nil, time.Now()); err != nil {
			return fmt.Errorf("worker: bootstrap weekly digest for %s: %w", id, err)
		}
		logger.Warn("weekly digest chain was broken, restarted", "merchant_id", id)
	}
	return nil
}
