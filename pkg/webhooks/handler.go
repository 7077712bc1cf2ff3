// Package webhooks is the payment-provider ingress: signature
// verification, first-writer-wins event locking and routing into the task
// queue. Losers of the lock and ignored events perform no side effects.
package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/observability"
	"github.com/regainhq/regain/pkg/store"
)

// maxBodyBytes caps the webhook payload, per the provider's own guidance.
const maxBodyBytes = 65536

// RetryDelay maps an invoice's attempt count onto the dunning schedule:
// later attempts back off further because the card is likelier dead.
func RetryDelay(attemptCount int64) time.Duration {
	switch attemptCount {
	case 1:
		return 72 * time.Hour
	case 2:
		return 120 * time.Hour
	case 3:
		return 168 * time.Hour
	default:
		return 168 * time.Hour
	}
}

// Handler processes POST /webhooks/pp.
type Handler struct {
	secret    string
	merchants *store.MerchantStore
	tasks     *store.TaskStore
	usage     *store.UsageStore
	ledger    *store.EventLedger
	limiter   api.Allower
	metrics   *observability.Provider
	logger    *slog.Logger
}

func NewHandler(secret string, merchants *store.MerchantStore, tasks *store.TaskStore,
	usage *store.UsageStore, ledger *store.EventLedger, limiter api.Allower,
	metrics *observability.Provider, logger *slog.Logger) *Handler {
	return &Handler{
		secret:    secret,
		merchants: merchants,
		tasks:     tasks,
		usage:     usage,
		ledger:    ledger,
		limiter:   limiter,
		metrics:   metrics,
		logger:    logger.With("component", "webhooks"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := api.ClientIP(r)

	// The rate gate runs before the body is read: junk traffic should cost
	// nothing but this check.
	allowed, err := h.limiter.Allow(ctx, ip)
	if err != nil {
		h.logger.Error("rate limiter unavailable", "error", err)
		api.WriteInternal(w, h.logger, err, false)
		return
	}
	if !allowed {
		api.WriteTooManyRequests(w, 60)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.WriteBadRequest(w, "unreadable body")
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "ip", ip, "error", err)
		api.WriteBadRequest(w, "signature verification failed")
		return
	}

	locked, err := h.ledger.AttemptLock(ctx, event.ID)
	if err != nil {
		h.logger.Error("event lock failed", "event_id", event.ID, "error", err)
		api.WriteInternal(w, h.logger, err, false)
		return
	}
	if !locked {
		h.metrics.RecordWebhookEvent(ctx, string(event.Type), "duplicate")
		api.RespondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	action, err := h.route(r, &event)
	if err != nil {
		h.logger.Error("webhook processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		api.WriteInternal(w, h.logger, err, false)
		return
	}
	h.metrics.RecordWebhookEvent(ctx, string(event.Type), action)
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": action})
}

// route dispatches a locked event. It returns the action taken, which is
// also the response status string.
func (h *Handler) route(r *http.Request, event *stripe.Event) (string, error) {
	switch event.Type {
	case "invoice.payment_failed":
		return h.handlePaymentFailed(r, event)
	case "invoice.payment_action_required":
		return h.handleActionRequired(r, event)
	case "invoice.payment_succeeded":
		// Recovery attribution hook. Wired to zero until product decides
		// whether recovered_cents moves here or stays on worker-complete.
		h.logger.Debug("payment succeeded event observed", "event_id", event.ID)
		return "ignored", nil
	case "customer.subscription.deleted":
		return h.handleSubscriptionDeleted(r, event)
	case "customer.subscription.created", "customer.subscription.updated":
		return h.handleSubscriptionChanged(r, event)
	default:
		return "ignored", nil
	}
}

func (h *Handler) handlePaymentFailed(r *http.Request, event *stripe.Event) (string, error) {
	ctx := r.Context()
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		h.logger.Warn("malformed invoice in event", "event_id", event.ID, "error", err)
		return "ignored", nil
	}

	// Only renewals are in scope for recovery. First charges, plan changes
	// and manual invoices belong to the merchant's own checkout flow.
	if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		return "ignored", nil
	}

	merchant, err := h.merchantByAccount(ctx, event.Account)
	if err != nil {
		return "ignored", nil
	}

	payload, _ := json.Marshal(map[string]any{
		"invoiceId":    inv.ID,
		"attemptCount": inv.AttemptCount,
	})
	runAt := time.Now().Add(RetryDelay(inv.AttemptCount))
	task, err := h.tasks.Enqueue(ctx, merchant.ID, store.TaskDunningRetry, payload, runAt)
	if err != nil {
		return "", err
	}
	if _, err := h.usage.CreateLog(ctx, merchant.ID, store.MetricTaskScheduled, 1); err != nil {
		return "", err
	}

	h.logger.Info("dunning retry scheduled",
		"merchant_id", merchant.ID, "invoice_id", inv.ID,
		"attempt", inv.AttemptCount, "task_id", task.ID, "run_at", runAt)
	return "scheduled", nil
}

func (h *Handler) handleActionRequired(r *http.Request, event *stripe.Event) (string, error) {
	ctx := r.Context()
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		h.logger.Warn("malformed invoice in event", "event_id", event.ID, "error", err)
		return "ignored", nil
	}

	merchant, err := h.merchantByAccount(ctx, event.Account)
	if err != nil {
		return "ignored", nil
	}

	payload, _ := json.Marshal(map[string]any{
		"invoiceId":        inv.ID,
		"hostedInvoiceUrl": inv.HostedInvoiceURL,
	})
	if _, err := h.tasks.Enqueue(ctx, merchant.ID, store.TaskNotifyActionRequired, payload, time.Now()); err != nil {
		return "", err
	}
	if _, err := h.usage.CreateLog(ctx, merchant.ID, store.MetricActionRequiredNotification, 1); err != nil {
		return "", err
	}
	return "scheduled", nil
}

func (h *Handler) handleSubscriptionDeleted(r *http.Request, event *stripe.Event) (string, error) {
	ctx := r.Context()
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return "ignored", nil
	}

	var merchant *store.Merchant
	var err error
	if event.Account != "" {
		merchant, err = h.merchants.ByConnectedAccount(ctx, event.Account)
	} else if sub.Customer != nil {
		merchant, err = h.merchants.ByPlatformCustomer(ctx, sub.Customer.ID)
	} else {
		return "ignored", nil
	}
	if err != nil {
		return "ignored", nil
	}

	if _, err := h.usage.CreateLog(ctx, merchant.ID, store.MetricSubscriptionChurned, 1); err != nil {
		return "", err
	}
	return "processed", nil
}

func (h *Handler) handleSubscriptionChanged(r *http.Request, event *stripe.Event) (string, error) {
	ctx := r.Context()

	// Trust boundary: subscription events from a connected account describe
	// the TENANT's customers. They must never touch the merchant's own plan
	// on the platform.
	if event.Account != "" {
		return "ignored", nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil || sub.Customer == nil {
		return "ignored", nil
	}
	merchant, err := h.merchants.ByPlatformCustomer(ctx, sub.Customer.ID)
	if err != nil {
		return "ignored", nil
	}

	priceID := "price_free"
	if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			priceID = sub.Items.Data[0].Price.ID
		}
	}
	if err := h.merchants.SetSubscriptionPlan(ctx, merchant.ID, priceID); err != nil {
		return "", err
	}

	h.logger.Info("merchant plan updated",
		"merchant_id", merchant.ID, "plan", priceID, "subscription_status", sub.Status)
	return "processed", nil
}

func (h *Handler) merchantByAccount(ctx context.Context, account string) (*store.Merchant, error) {
	if account == "" {
		return nil, store.ErrNotFound
	}
	m, err := h.merchants.ByConnectedAccount(ctx, account)
	if err != nil {
		h.logger.Debug("event for unknown connected account", "account", account)
		return nil, err
	}
	return m, nil
}
