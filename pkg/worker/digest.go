package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/regainhq/regain/pkg/mailer"
	"github.com/regainhq/regain/pkg/store"
)

// handleWeeklyDigest mails the merchant their trailing-week recovery
// numbers. The successor is enqueued even when the send fails so the cycle
// never breaks; a merchant without an email address simply gets no mail.
func (w *Worker) handleWeeklyDigest(ctx context.Context, task *store.Task) (err error) {
	defer func() {
		if _, e := w.tasks.Enqueue(ctx, task.MerchantID, store.TaskSendWeeklyDigest,
			nil, time.Now().Add(digestInterval)); e != nil {
			w.logger.Error("failed to schedule next weekly digest",
				"merchant_id", task.MerchantID, "error", e)
			err = errors.Join(err, e)
		}
	}()

	merchant, err := w.merchants.ByID(ctx, task.MerchantID)
	if err != nil {
		return fmt.Errorf("worker: load merchant: %w", err)
	}
	if merchant.Email == "" {
		return nil
	}

	totals, err := w.usage.WeeklyTotals(ctx, merchant.ID)
	if err != nil {
		return err
	}

	subject, html, text := mailer.RenderWeeklyDigest(mailer.WeeklyDigestData{
		RecoveredCents: totals.RecoveredCents,
		EmailsSent:     totals.EmailsSent,
		TotalOpens:     totals.TotalOpens,
		TotalClicks:    totals.TotalClicks,
	})
	if _, err := w.sendMail(ctx, mailer.Message{
		To:      merchant.Email,
		Subject: subject,
		HTML:    html,
		Text:    text,
		RefID:   merchant.ID,
	}); err != nil {
		return fmt.Errorf("worker: send weekly digest: %w", err)
	}

	w.metrics.RecordEmailSent(ctx, "weekly_digest")
	return nil
}
