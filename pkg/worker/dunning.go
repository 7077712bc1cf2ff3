package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/regainhq/regain/pkg/mailer"
	"github.com/regainhq/regain/pkg/plans"
	"github.com/regainhq/regain/pkg/store"
)

// ErrQuotaExceeded fails a dunning task whose merchant is out of monthly
// sends at execution time.
var ErrQuotaExceeded = errors.New("worker: monthly dunning quota exceeded")

type dunningPayload struct {
	InvoiceID    string `json:"invoiceId"`
	AttemptCount int64  `json:"attemptCount"`
}

type actionRequiredPayload struct {
	InvoiceID        string `json:"invoiceId"`
	HostedInvoiceURL string `json:"hostedInvoiceUrl"`
}

func decodePayload(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("worker: decode payload: %w", err)
	}
	return nil
}

// handleDunningRetry sends one recovery email for a failed renewal. The
// quota is re-checked here because days pass between scheduling and
// execution; the usage log is written before the send so a gateway failure
// still burns quota instead of enabling free retries.
func (w *Worker) handleDunningRetry(ctx context.Context, task *store.Task) error {
	var p dunningPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return err
	}

	merchant, err := w.merchants.ByID(ctx, task.MerchantID)
	if err != nil {
		return fmt.Errorf("worker: load merchant: %w", err)
	}
	if !merchant.Connected() {
		return fmt.Errorf("worker: merchant %s is not connected", merchant.ID)
	}

	plan := plans.Get(plans.PlanID(merchant.SubscriptionPlanID))
	if !plans.IsUnlimited(plan.Limits.MonthlyDunnings) {
		sent, err := w.usage.MonthlyDunningCount(ctx, merchant.ID)
		if err != nil {
			return err
		}
		if sent >= plan.Limits.MonthlyDunnings {
			if _, err := w.usage.CreateLog(ctx, merchant.ID, store.MetricQuotaExceeded, 1); err != nil {
				return err
			}
			w.metrics.RecordQuotaRejection(ctx, "worker")
			w.logger.Warn("dunning skipped: quota exceeded",
				"merchant_id", merchant.ID, "plan", plan.ID, "sent_this_month", sent)
			return ErrQuotaExceeded
		}
	}

	inv, err := w.fetchInvoice(ctx, p.InvoiceID, merchant.ConnectedAccountID)
	if err != nil {
		return fmt.Errorf("worker: fetch invoice %s: %w", p.InvoiceID, err)
	}
	if inv.Settled() {
		w.logger.Info("invoice settled before retry, nothing to do",
			"merchant_id", merchant.ID, "invoice_id", inv.ID, "invoice_status", inv.Status)
		return nil
	}
	if !inv.Recoverable() {
		w.logger.Info("invoice not recoverable, skipping",
			"merchant_id", merchant.ID, "invoice_id", inv.ID, "invoice_status", inv.Status)
		return nil
	}
	if inv.CustomerEmail == "" {
		w.logger.Warn("invoice has no customer email, skipping",
			"merchant_id", merchant.ID, "invoice_id", inv.ID)
		return nil
	}

	attempt := int(min(max(p.AttemptCount, 1), 3))
	tpl := w.templateFor(ctx, merchant.ID, attempt)

	logEntry, err := w.usage.CreateLog(ctx, merchant.ID, store.MetricDunningEmailSent, 1)
	if err != nil {
		return err
	}

	subject, html := mailer.RenderTemplate(tpl, mailer.DunningData{
		CustomerName: inv.CustomerName,
		AmountDue:    inv.AmountDue,
		Currency:     inv.Currency,
		UpdateURL:    inv.HostedInvoiceURL,
	})
	text := mailer.PlainText(html)
	html = mailer.ApplyBranding(html, branding(merchant))
	html = w.tracker.Instrument(html, logEntry.ID)

	if _, err := w.sendMail(ctx, mailer.Message{
		To:      inv.CustomerEmail,
		Subject: subject,
		HTML:    html,
		Text:    text,
		RefID:   merchant.ID,
	}); err != nil {
		return fmt.Errorf("worker: send dunning email: %w", err)
	}

	w.metrics.RecordEmailSent(ctx, "dunning")
	w.logger.Info("dunning email sent",
		"merchant_id", merchant.ID, "invoice_id", inv.ID,
		"attempt", attempt, "usage_log_id", logEntry.ID)
	return nil
}

// handleActionRequired nudges a customer whose bank demands confirmation.
// The email is not tracked; the usage log lands after a successful send.
func (w *Worker) handleActionRequired(ctx context.Context, task *store.Task) error {
	var p actionRequiredPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return err
	}

	merchant, err := w.merchants.ByID(ctx, task.MerchantID)
	if err != nil {
		return fmt.Errorf("worker: load merchant: %w", err)
	}
	if !merchant.Connected() {
		return fmt.Errorf("worker: merchant %s is not connected", merchant.ID)
	}

	inv, err := w.fetchInvoice(ctx, p.InvoiceID, merchant.ConnectedAccountID)
	if err != nil {
		return fmt.Errorf("worker: fetch invoice %s: %w", p.InvoiceID, err)
	}
	if inv.Settled() {
		return nil
	}
	if inv.CustomerEmail == "" {
		w.logger.Warn("invoice has no customer email, skipping",
			"merchant_id", merchant.ID, "invoice_id", inv.ID)
		return nil
	}

	confirmURL := p.HostedInvoiceURL
	if confirmURL == "" {
		confirmURL = inv.HostedInvoiceURL
	}

	subject, html := mailer.RenderTemplate(mailer.ActionRequiredTemplate, mailer.DunningData{
		CustomerName: inv.CustomerName,
		AmountDue:    inv.AmountDue,
		Currency:     inv.Currency,
		UpdateURL:    confirmURL,
	})
	text := mailer.PlainText(html)
	html = mailer.ApplyBranding(html, branding(merchant))

	if _, err := w.sendMail(ctx, mailer.Message{
		To:      inv.CustomerEmail,
		Subject: subject,
		HTML:    html,
		Text:    text,
		RefID:   merchant.ID,
	}); err != nil {
		return fmt.Errorf("worker: send action-required email: %w", err)
	}

	if _, err := w.usage.CreateLog(ctx, merchant.ID, store.MetricDunningEmailSent, 1); err != nil {
		return err
	}
	w.metrics.RecordEmailSent(ctx, "action_required")
	w.logger.Info("action-required email sent",
		"merchant_id", merchant.ID, "invoice_id", inv.ID)
	return nil
}

// templateFor prefers the merchant's custom copy for the attempt, falling
// back to the built-in.
func (w *Worker) templateFor(ctx context.Context, merchantID string, attempt int) mailer.Template {
	custom, err := w.templates.Get(ctx, merchantID, attempt)
	if err == nil {
		return mailer.Template{Subject: custom.Subject, Body: custom.Body}
	}
	if !errors.Is(err, store.ErrNotFound) {
		w.logger.Error("template lookup failed, using default",
			"merchant_id", merchantID, "attempt", attempt, "error", err)
	}
	return mailer.DefaultDunning(attempt)
}

func branding(m *store.Merchant) mailer.Branding {
	return mailer.Branding{
		FromName:     m.FromName,
		SupportEmail: m.SupportEmail,
		BrandColor:   m.BrandColor,
		LogoURL:      m.LogoURL,
	}
}
