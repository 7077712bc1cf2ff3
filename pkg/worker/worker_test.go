package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/regainhq/regain/pkg/crypto"
	"github.com/regainhq/regain/pkg/logging"
	"github.com/regainhq/regain/pkg/mailer"
	"github.com/regainhq/regain/pkg/observability"
	"github.com/regainhq/regain/pkg/payments"
	"github.com/regainhq/regain/pkg/store"
	"github.com/regainhq/regain/pkg/worker"
)

type meterCall struct {
	customer string
	value    int64
	key      string
}

type fakePayments struct {
	mu           sync.Mutex
	invoice      *payments.Invoice
	invoiceErr   error
	meterErr     error
	invoiceCalls int
	meterCalls   []meterCall
	budgets      []time.Duration
}

func (f *fakePayments) Invoice(ctx context.Context, _, _ string) (*payments.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets = append(f.budgets, remainingBudget(ctx))
	f.invoiceCalls++
	if f.invoiceErr != nil {
		return nil, f.invoiceErr
	}
	return f.invoice, nil
}

func (f *fakePayments) ReportMeterEvent(ctx context.Context, customer string, value int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets = append(f.budgets, remainingBudget(ctx))
	f.meterCalls = append(f.meterCalls, meterCall{customer: customer, value: value, key: key})
	return f.meterErr
}

type fakeMailer struct {
	mu      sync.Mutex
	err     error
	sent    []mailer.Message
	budgets []time.Duration
}

func (f *fakeMailer) Send(ctx context.Context, msg mailer.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets = append(f.budgets, remainingBudget(ctx))
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "email_1", nil
}

// remainingBudget reports how long the call's context has left to live;
// zero means no deadline at all.
func remainingBudget(ctx context.Context) time.Duration {
	d, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(d)
}

type fixture struct {
	db        *store.DB
	merchants *store.MerchantStore
	tasks     *store.TaskStore
	usage     *store.UsageStore
	templates *store.TemplateStore
	ledger    *store.EventLedger
	pp        *fakePayments
	mail      *fakeMailer
	worker    *worker.Worker
	merchant  *store.Merchant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open("file:" + filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := crypto.NewTokenCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	logger := logging.Discard()

	f := &fixture{
		db:        db,
		merchants: store.NewMerchantStore(db, cipher, logger),
		tasks:     store.NewTaskStore(db),
		usage:     store.NewUsageStore(db),
		templates: store.NewTemplateStore(db),
		ledger:    store.NewEventLedger(db),
		pp:        &fakePayments{},
		mail:      &fakeMailer{},
	}
	ctx := context.Background()
	require.NoError(t, f.merchants.Init(ctx))
	require.NoError(t, f.tasks.Init(ctx))
	require.NoError(t, f.usage.Init(ctx))
	require.NoError(t, f.templates.Init(ctx))
	require.NoError(t, f.ledger.Init(ctx))

	m, err := f.merchants.Provision(ctx, "user_w", "owner@example.com")
	require.NoError(t, err)
	require.NoError(t, f.merchants.CompleteConnect(ctx, m.ID, "acct_W", "sk_test_w", "rt_w"))
	f.merchant, err = f.merchants.ByID(ctx, m.ID)
	require.NoError(t, err)

	tracker := mailer.NewTracker("https://app.regain.dev", crypto.NewTrackingSigner("tracking-secret"))
	f.worker = worker.New(f.merchants, f.tasks, f.usage, f.templates,
		f.pp, f.mail, tracker, observability.Disabled(), logger)
	return f
}

func openInvoice() *payments.Invoice {
	return &payments.Invoice{
		ID:               "in_1",
		Status:           "open",
		CustomerEmail:    "customer@example.com",
		CustomerName:     "Ada",
		AmountDue:        4200,
		Currency:         "usd",
		HostedInvoiceURL: "https://pay.example.com/in_1",
	}
}

func (f *fixture) enqueueDunning(t *testing.T, attempt int64) *store.Task {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"invoiceId": "in_1", "attemptCount": attempt})
	task, err := f.tasks.Enqueue(context.Background(), f.merchant.ID,
		store.TaskDunningRetry, payload, time.Now())
	require.NoError(t, err)
	return task
}

func (f *fixture) taskStatus(t *testing.T, id int64) store.TaskStatus {
	t.Helper()
	task, err := f.tasks.ByID(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestDunningSendsTrackedEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pp.invoice = openInvoice()

	task := f.enqueueDunning(t, 1)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	require.Len(t, f.mail.sent, 1)
	msg := f.mail.sent[0]
	assert.Equal(t, "customer@example.com", msg.To)
	assert.Equal(t, f.merchant.ID, msg.RefID)
	assert.Contains(t, msg.HTML, "Ada")
	assert.Contains(t, msg.HTML, "$42.00")
	assert.Contains(t, msg.HTML, "/track/open/", "open pixel injected")
	assert.NotContains(t, msg.HTML, `href="https://pay.example.com/in_1"`, "click links rewritten")
	assert.NotEmpty(t, msg.Text)

	n, err := f.usage.MonthlyDunningCount(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestGatewayCallsAreBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pp.invoice = openInvoice()

	// Dunning: one invoice fetch, one send. Both must run under their own
	// deadline even though the worker's context has none.
	f.worker.Process(ctx, f.enqueueDunning(t, 1))

	require.Len(t, f.pp.budgets, 1)
	require.Len(t, f.mail.budgets, 1)
	for _, d := range append(f.pp.budgets, f.mail.budgets...) {
		assert.Greater(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}

	// The reporter's meter push is bounded the same way.
	require.NoError(t, f.merchants.SetPlatformCustomer(ctx, f.merchant.ID, "cus_w"))
	f.runReporter(t)

	require.Len(t, f.pp.meterCalls, 1)
	last := f.pp.budgets[len(f.pp.budgets)-1]
	assert.Greater(t, last, 5*time.Second)
	assert.LessOrEqual(t, last, 10*time.Second)
}

func TestDunningUsesCustomTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pp.invoice = openInvoice()
	require.NoError(t, f.templates.Upsert(ctx, &store.EmailTemplate{
		MerchantID:   f.merchant.ID,
		RetryAttempt: 2,
		Subject:      "Hey {{customer_name}}, card trouble",
		Body:         `<p>Pay {{amount}} at <a href="{{update_url}}">this link</a></p>`,
	}))

	f.worker.Process(ctx, f.enqueueDunning(t, 2))

	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, "Hey Ada, card trouble", f.mail.sent[0].Subject)
	assert.Contains(t, f.mail.sent[0].HTML, "Pay $42.00")
}

func TestDunningAttemptClampsToFinalTemplate(t *testing.T) {
	f := newFixture(t)
	f.pp.invoice = openInvoice()

	f.worker.Process(context.Background(), f.enqueueDunning(t, 7))

	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, mailer.DefaultDunning(3).Subject, f.mail.sent[0].Subject)
}

func TestDunningQuotaBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pp.invoice = openInvoice()

	// Burn the whole free-plan month.
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 20)
	require.NoError(t, err)

	task := f.enqueueDunning(t, 1)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusFailed, f.taskStatus(t, task.ID))
	assert.Empty(t, f.mail.sent)
	assert.Zero(t, f.pp.invoiceCalls, "quota gate runs before the provider call")

	activity, err := f.usage.RecentActivity(ctx, f.merchant.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, store.MetricQuotaExceeded, activity[0].MetricType)
}

func TestDunningQuotaBurnsEvenWhenSendFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pp.invoice = openInvoice()
	f.mail.err = errors.New("gateway down")

	task := f.enqueueDunning(t, 1)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusFailed, f.taskStatus(t, task.ID))
	n, err := f.usage.MonthlyDunningCount(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the log lands before the send")
}

func TestDunningSettledInvoiceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := openInvoice()
	inv.Status = "paid"
	f.pp.invoice = inv

	task := f.enqueueDunning(t, 1)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	assert.Empty(t, f.mail.sent)
	n, err := f.usage.MonthlyDunningCount(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMalformedPayloadFailsTask(t *testing.T) {
	f := newFixture(t)
	payload := json.RawMessage(`{"bogus": true}`)
	task, err := f.tasks.Enqueue(context.Background(), f.merchant.ID,
		store.TaskDunningRetry, payload, time.Now())
	require.NoError(t, err)

	f.worker.Process(context.Background(), task)
	assert.Equal(t, store.StatusFailed, f.taskStatus(t, task.ID))
}

func TestActionRequiredSendsUntrackedEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pp.invoice = openInvoice()

	payload, _ := json.Marshal(map[string]any{
		"invoiceId":        "in_1",
		"hostedInvoiceUrl": "https://pay.example.com/confirm",
	})
	task, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskNotifyActionRequired, payload, time.Now())
	require.NoError(t, err)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	require.Len(t, f.mail.sent, 1)
	assert.Contains(t, f.mail.sent[0].HTML, "https://pay.example.com/confirm")
	assert.NotContains(t, f.mail.sent[0].HTML, "/track/open/")

	n, err := f.usage.MonthlyDunningCount(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func (f *fixture) runReporter(t *testing.T) *store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.tasks.Enqueue(ctx, store.SystemMerchantID, store.TaskReportUsage, nil, time.Now())
	require.NoError(t, err)
	f.worker.Process(ctx, task)
	return task
}

func (f *fixture) reporterSuccessors(t *testing.T) []*store.Task {
	t.Helper()
	pending, err := f.tasks.ListByMerchant(context.Background(),
		store.SystemMerchantID, store.StatusPending, 10)
	require.NoError(t, err)
	return pending
}

func TestReporterPushesMeterEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.SetPlatformCustomer(ctx, f.merchant.ID, "cus_w"))
	lg, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 1)
	require.NoError(t, err)

	task := f.runReporter(t)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	require.Len(t, f.pp.meterCalls, 1)
	assert.Equal(t, "cus_w", f.pp.meterCalls[0].customer)
	assert.EqualValues(t, 1, f.pp.meterCalls[0].value)
	assert.Contains(t, f.pp.meterCalls[0].key, "usage_log_")

	unreported, err := f.usage.Unreported(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreported, "log %d was marked reported", lg.ID)

	successors := f.reporterSuccessors(t)
	require.Len(t, successors, 1)
	assert.Equal(t, store.TaskReportUsage, successors[0].Type)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), successors[0].RunAt, time.Minute)
}

func TestReporterPoisonPill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.SetPlatformCustomer(ctx, f.merchant.ID, "cus_w"))
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 1)
	require.NoError(t, err)
	f.pp.meterErr = &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400}

	task := f.runReporter(t)

	// A permanently rejected row is retired rather than wedging the chain.
	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	unreported, err := f.usage.Unreported(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreported)
	assert.Len(t, f.reporterSuccessors(t), 1)
}

func TestReporterIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.SetPlatformCustomer(ctx, f.merchant.ID, "cus_w"))
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 1)
	require.NoError(t, err)
	f.pp.meterErr = &stripe.Error{Code: "idempotency_key_in_use", HTTPStatusCode: 400}

	task := f.runReporter(t)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	unreported, err := f.usage.Unreported(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreported, "a replayed key means the unit already landed")
}

func TestReporterTransientErrorLeavesLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.SetPlatformCustomer(ctx, f.merchant.ID, "cus_w"))
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 1)
	require.NoError(t, err)
	f.pp.meterErr = &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 503}

	task := f.runReporter(t)

	assert.Equal(t, store.StatusFailed, f.taskStatus(t, task.ID))
	unreported, err := f.usage.Unreported(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unreported, 1, "transient failures retry next cycle")
	assert.Len(t, f.reporterSuccessors(t), 1, "the chain survives failure")
}

func TestReporterSkipsOverQuotaUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.SetPlatformCustomer(ctx, f.merchant.ID, "cus_w"))
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 25)
	require.NoError(t, err)

	task := f.runReporter(t)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	assert.Empty(t, f.pp.meterCalls, "over-quota sends are never billed upstream")
	unreported, err := f.usage.Unreported(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreported)
}

func TestReporterRetiresUnbillableMerchant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// No platform customer id on the merchant.
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 1)
	require.NoError(t, err)

	task := f.runReporter(t)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	assert.Empty(t, f.pp.meterCalls)
	unreported, err := f.usage.Unreported(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreported)
}

func TestWeeklyDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.usage.AddRecoveredCents(ctx, f.merchant.ID, 129900))

	task, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskSendWeeklyDigest, nil, time.Now())
	require.NoError(t, err)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusCompleted, f.taskStatus(t, task.ID))
	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, "owner@example.com", f.mail.sent[0].To)
	assert.Contains(t, f.mail.sent[0].Subject, "$1299.00")

	pending, err := f.tasks.ListByMerchant(ctx, f.merchant.ID, store.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.TaskSendWeeklyDigest, pending[0].Type)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), pending[0].RunAt, time.Minute)
}

func TestWeeklyDigestContinuesChainOnSendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mail.err = errors.New("gateway down")

	task, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskSendWeeklyDigest, nil, time.Now())
	require.NoError(t, err)
	f.worker.Process(ctx, task)

	assert.Equal(t, store.StatusFailed, f.taskStatus(t, task.ID))
	pending, err := f.tasks.ListByMerchant(ctx, f.merchant.ID, store.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "successor exists despite the failure")
}

func TestJanitorRescuesZombies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.enqueueDunning(t, 1)
	claimed, err := f.tasks.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)

	// Backdate the claim past the zombie threshold.
	stale := time.Now().UTC().Add(-30 * time.Minute).Format("2006-01-02T15:04:05.000000000Z")
	_, err = f.db.SQL.ExecContext(ctx, `UPDATE tasks SET created_at = ? WHERE id = ?`, stale, task.ID)
	require.NoError(t, err)

	worker.NewJanitor(f.tasks, f.ledger, logging.Discard()).Sweep(ctx)

	assert.Equal(t, store.StatusPending, f.taskStatus(t, task.ID))
	rescued, err := f.tasks.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, rescued, "rescued task is immediately claimable")
	assert.Equal(t, task.ID, rescued.ID)
}

func TestJanitorPrunesOldEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	locked, err := f.ledger.AttemptLock(ctx, "evt_old")
	require.NoError(t, err)
	require.True(t, locked)
	stale := time.Now().UTC().Add(-8 * 24 * time.Hour).Format("2006-01-02T15:04:05.000000000Z")
	_, err = f.db.SQL.ExecContext(ctx, `UPDATE processed_events SET processed_at = ? WHERE event_id = ?`, stale, "evt_old")
	require.NoError(t, err)

	worker.NewJanitor(f.tasks, f.ledger, logging.Discard()).Sweep(ctx)

	locked, err = f.ledger.AttemptLock(ctx, "evt_old")
	require.NoError(t, err)
	assert.True(t, locked, "pruned event id is lockable again")
}

func TestWatchdogRepairsBrokenChains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := logging.Discard()

	require.NoError(t, worker.EnsureScheduled(ctx, f.merchants, f.tasks, logger))

	system, err := f.tasks.ListByMerchant(ctx, store.SystemMerchantID, store.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, store.TaskReportUsage, system[0].Type)

	digests, err := f.tasks.ListByMerchant(ctx, f.merchant.ID, store.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, store.TaskSendWeeklyDigest, digests[0].Type)

	// A second pass finds healthy chains and creates nothing.
	require.NoError(t, worker.EnsureScheduled(ctx, f.merchants, f.tasks, logger))
	system, err = f.tasks.ListByMerchant(ctx, store.SystemMerchantID, store.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, system, 1)
	digests, err = f.tasks.ListByMerchant(ctx, f.merchant.ID, store.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, digests, 1)
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// A nil invoice with no error makes the dunning handler dereference nil.
	f.pp.invoice = nil

	task := f.enqueueDunning(t, 1)
	require.NotPanics(t, func() { f.worker.Process(ctx, task) })
	assert.Equal(t, store.StatusFailed, f.taskStatus(t, task.ID))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
