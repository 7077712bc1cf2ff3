// Package worker drains the durable task queue. One Run loop per process;
// multiple processes may run against the same database because claims are
// atomic. Handler failures and panics mark the task failed and never stop
// the loop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/regainhq/regain/pkg/mailer"
	"github.com/regainhq/regain/pkg/observability"
	"github.com/regainhq/regain/pkg/payments"
	"github.com/regainhq/regain/pkg/store"
)

const (
	// yieldDelay spaces consecutive claims so one worker cannot starve the
	// database connection pool.
	yieldDelay = 100 * time.Millisecond
	// idleDelay is the poll interval when the queue is empty.
	idleDelay = time.Second
	// errorDelay backs off after a failed claim, usually a database blip.
	errorDelay = 5 * time.Second

	// reporterInterval spaces usage-reporter runs.
	reporterInterval = 5 * time.Minute
	// digestInterval spaces a merchant's weekly digests.
	digestInterval = 7 * 24 * time.Hour
	// reporterBatchSize bounds one reporter pass.
	reporterBatchSize = 100

	// externalCallTimeout bounds every gateway call. A hung connection must
	// fail the task, not wedge the loop until the janitor re-pends the row
	// under a send that may still be in flight.
	externalCallTimeout = 10 * time.Second
)

// PaymentsClient is the provider surface the worker needs.
type PaymentsClient interface {
	Invoice(ctx context.Context, invoiceID, connectedAccountID string) (*payments.Invoice, error)
	ReportMeterEvent(ctx context.Context, platformCustomerID string, value int64, idempotencyKey string) error
}

// EmailSender delivers one message and returns the gateway's id.
type EmailSender interface {
	Send(ctx context.Context, msg mailer.Message) (string, error)
}

// Worker claims and executes queued tasks.
type Worker struct {
	merchants *store.MerchantStore
	tasks     *store.TaskStore
	usage     *store.UsageStore
	templates *store.TemplateStore
	payments  PaymentsClient
	mail      EmailSender
	tracker   *mailer.Tracker
	metrics   *observability.Provider
	logger    *slog.Logger
}

func New(merchants *store.MerchantStore, tasks *store.TaskStore, usage *store.UsageStore,
	templates *store.TemplateStore, pp PaymentsClient, mail EmailSender,
	tracker *mailer.Tracker, metrics *observability.Provider, logger *slog.Logger) *Worker {
	return &Worker{
		merchants: merchants,
		tasks:     tasks,
		usage:     usage,
		templates: templates,
		payments:  pp,
		mail:      mail,
		tracker:   tracker,
		metrics:   metrics,
		logger:    logger.With("component", "worker"),
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		task, err := w.tasks.ClaimNext(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.Info("worker stopped")
			return
		case err != nil:
			w.logger.Error("claim failed", "error", err)
			if !sleep(ctx, errorDelay) {
				return
			}
			continue
		case task == nil:
			if !sleep(ctx, idleDelay) {
				return
			}
			continue
		}

		w.Process(ctx, task)
		if !sleep(ctx, yieldDelay) {
			return
		}
	}
}

// Process executes one claimed task and records its terminal status. Each
// execution runs inside its own span.
func (w *Worker) Process(ctx context.Context, task *store.Task) {
	start := time.Now()
	opCtx, end := w.metrics.TrackOperation(ctx, "task."+string(task.Type),
		attribute.String("task.type", string(task.Type)),
		attribute.String("merchant.id", task.MerchantID))
	err := w.dispatch(opCtx, task)
	end(err)

	status := store.StatusCompleted
	outcome := "completed"
	if err != nil {
		status = store.StatusFailed
		outcome = "failed"
		w.logger.Error("task failed",
			"task_id", task.ID, "task_type", task.Type,
			"merchant_id", task.MerchantID, "error", err,
			"duration", time.Since(start))
	} else {
		w.logger.Info("task completed",
			"task_id", task.ID, "task_type", task.Type,
			"merchant_id", task.MerchantID, "duration", time.Since(start))
	}
	w.metrics.RecordTask(ctx, string(task.Type), outcome)

	if uerr := w.tasks.UpdateStatus(ctx, task.ID, status); uerr != nil {
		// The janitor will rescue the stuck running row.
		w.logger.Error("task status update failed", "task_id", task.ID, "error", uerr)
	}
}

// dispatch routes by type. A panicking handler becomes an error, not a dead
// worker.
func (w *Worker) dispatch(ctx context.Context, task *store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()

	switch task.Type {
	case store.TaskDunningRetry:
		return w.handleDunningRetry(ctx, task)
	case store.TaskNotifyActionRequired:
		return w.handleActionRequired(ctx, task)
	case store.TaskReportUsage:
		return w.handleReportUsage(ctx)
	case store.TaskSendWeeklyDigest:
		return w.handleWeeklyDigest(ctx, task)
	default:
		return fmt.Errorf("worker: unknown task type %q", task.Type)
	}
}

// fetchInvoice, sendMail and reportMeter put a deadline on each gateway
// call; handlers never touch the raw clients.

func (w *Worker) fetchInvoice(ctx context.Context, invoiceID, accountID string) (*payments.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	return w.payments.Invoice(ctx, invoiceID, accountID)
}

func (w *Worker) sendMail(ctx context.Context, msg mailer.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	return w.mail.Send(ctx, msg)
}

func (w *Worker) reportMeter(ctx context.Context, customerID string, value int64, key string) error {
	ctx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()
	return w.payments.ReportMeterEvent(ctx, customerID, value, key)
}

// sleep waits for d or cancellation, reporting whether the caller should
// keep running.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
