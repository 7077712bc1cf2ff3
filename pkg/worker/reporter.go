package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/regainhq/regain/pkg/payments"
	"github.com/regainhq/regain/pkg/plans"
	"github.com/regainhq/regain/pkg/store"
)

// handleReportUsage pushes unreported dunning sends to the platform's
// metered billing. It is a system singleton: whatever happens, it enqueues
// its successor so reporting never silently stops.
//
// Idempotency keys are derived from the usage log id, so a crash between
// the provider call and MarkReported re-sends the same key and the
// provider deduplicates.
func (w *Worker) handleReportUsage(ctx context.Context) (err error) {
	defer func() {
		if _, e := w.tasks.Enqueue(ctx, store.SystemMerchantID, store.TaskReportUsage,
			nil, time.Now().Add(reporterInterval)); e != nil {
			w.logger.Error("failed to schedule next usage report", "error", e)
			err = errors.Join(err, e)
		}
	}()

	logs, err := w.usage.Unreported(ctx, reporterBatchSize)
	if err != nil {
		return fmt.Errorf("worker: list unreported usage: %w", err)
	}
	if len(logs) == 0 {
		return nil
	}

	byMerchant := make(map[string][]*store.UsageLog)
	var order []string
	for _, l := range logs {
		if _, seen := byMerchant[l.MerchantID]; !seen {
			order = append(order, l.MerchantID)
		}
		byMerchant[l.MerchantID] = append(byMerchant[l.MerchantID], l)
	}

	for _, merchantID := range order {
		if err := w.reportMerchantUsage(ctx, merchantID, byMerchant[merchantID]); err != nil {
			// Transient provider trouble: stop the batch, leave the rest
			// unreported for the successor.
			return err
		}
	}
	return nil
}

func (w *Worker) reportMerchantUsage(ctx context.Context, merchantID string, logs []*store.UsageLog) error {
	merchant, err := w.merchants.ByID(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("worker: load merchant %s: %w", merchantID, err)
	}

	overQuota := false
	plan := plans.Get(plans.PlanID(merchant.SubscriptionPlanID))
	if !plans.IsUnlimited(plan.Limits.MonthlyDunnings) {
		sent, err := w.usage.MonthlyDunningCount(ctx, merchantID)
		if err != nil {
			return err
		}
		overQuota = sent > plan.Limits.MonthlyDunnings
	}

	var done []int64
	for _, l := range logs {
		switch {
		case l.MetricType != store.MetricDunningEmailSent:
			// Activity entries are not billable; retire them.
			done = append(done, l.ID)

		case overQuota:
			// Sends past the plan ceiling are the merchant's own problem;
			// they are never billed upstream.
			w.metrics.RecordMeterEvent(ctx, "skipped_quota")
			done = append(done, l.ID)

		case merchant.PlatformCustomerID == "":
			w.logger.Warn("merchant has no platform customer, usage unbillable",
				"merchant_id", merchantID, "usage_log_id", l.ID)
			w.metrics.RecordMeterEvent(ctx, "unbillable")
			done = append(done, l.ID)

		default:
			key := fmt.Sprintf("usage_log_%d", l.ID)
			err := w.reportMeter(ctx, merchant.PlatformCustomerID, l.Amount, key)
			switch {
			case err == nil:
				w.metrics.RecordMeterEvent(ctx, "reported")
				done = append(done, l.ID)
			case payments.IsIdempotencyReplay(err):
				// Already landed on a previous pass that died before
				// MarkReported.
				w.metrics.RecordIdempotentReplay(ctx)
				w.metrics.RecordMeterEvent(ctx, "replayed")
				done = append(done, l.ID)
			case payments.IsPermanent(err):
				// Poison pill: retrying forever would wedge the reporter on
				// one bad row.
				w.logger.Error("usage log permanently rejected, marking reported",
					"merchant_id", merchantID, "usage_log_id", l.ID, "error", err)
				w.metrics.RecordMeterEvent(ctx, "rejected")
				done = append(done, l.ID)
			default:
				if merr := w.usage.MarkReported(ctx, done); merr != nil {
					return errors.Join(err, merr)
				}
				return fmt.Errorf("worker: report usage log %d: %w", l.ID, err)
			}
		}
	}
	return w.usage.MarkReported(ctx, done)
}
