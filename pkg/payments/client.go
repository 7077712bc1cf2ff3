// Package payments wraps the payment-provider SDK with the narrow surface
// the engine touches: tenant-scoped invoice reads, OAuth connect, tenant
// subscription teardown and platform meter events.
//
// The client holds the platform API key; tenant scope is applied per call
// through the connected-account header, never by swapping keys.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// meterEventName is the usage metric merchants are billed on.
const meterEventName = "dunning_email"

// Invoice is the normalized view of a provider invoice.
type Invoice struct {
	ID               string
	Status           string
	CustomerEmail    string
	CustomerName     string
	AmountDue        int64
	Currency         string
	HostedInvoiceURL string
	BillingReason    string
	AttemptCount     int64
}

// Recoverable reports whether the invoice is still collectible.
func (i *Invoice) Recoverable() bool { return i.Status == "open" }

// Settled reports whether no further action can help: the invoice was paid
// or voided out from under the retry.
func (i *Invoice) Settled() bool { return i.Status == "paid" || i.Status == "void" }

// OAuthGrant is the result of exchanging a connect authorization code.
type OAuthGrant struct {
	StripeUserID string
	AccessToken  string
	RefreshToken string
}

// Client is the platform-scoped provider client.
type Client struct {
	api       *client.API
	backend   stripe.Backend
	secretKey string
	clientID  string
}

// New builds a client from the platform secret key and the OAuth client id.
func New(secretKey, clientID string) *Client {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &Client{
		api:       sc,
		backend:   stripe.GetBackend(stripe.APIBackend),
		secretKey: secretKey,
		clientID:  clientID,
	}
}

// Invoice fetches an invoice in the tenant's connected account.
func (c *Client) Invoice(ctx context.Context, invoiceID, connectedAccountID string) (*Invoice, error) {
	if invoiceID == "" {
		return nil, errors.New("payments: invoice id must not be empty")
	}
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	if connectedAccountID != "" {
		params.StripeAccount = stripe.String(connectedAccountID)
	}
	inv, err := c.api.Invoices.Get(invoiceID, params)
	if err != nil {
		return nil, fmt.Errorf("payments: fetch invoice %s: %w", invoiceID, err)
	}
	return &Invoice{
		ID:               inv.ID,
		Status:           string(inv.Status),
		CustomerEmail:    inv.CustomerEmail,
		CustomerName:     inv.CustomerName,
		AmountDue:        inv.AmountDue,
		Currency:         string(inv.Currency),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		BillingReason:    string(inv.BillingReason),
		AttemptCount:     inv.AttemptCount,
	}, nil
}

// AuthorizeURL is the provider connect page the merchant is sent to. The
// state parameter is the CSRF token persisted on the merchant row.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.clientID)
	q.Set("scope", "read_write")
	q.Set("state", state)
	return "https://connect.stripe.com/oauth/authorize?" + q.Encode()
}

// ExchangeCode trades a connect authorization code for the tenant grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*OAuthGrant, error) {
	params := &stripe.OAuthTokenParams{
		GrantType: stripe.String("authorization_code"),
		Code:      stripe.String(code),
	}
	params.Context = ctx
	tok, err := c.api.OAuth.New(params)
	if err != nil {
		return nil, fmt.Errorf("payments: exchange oauth code: %w", err)
	}
	return &OAuthGrant{
		StripeUserID: tok.StripeUserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, nil
}

// Deauthorize revokes the platform's access to a connected account.
func (c *Client) Deauthorize(ctx context.Context, connectedAccountID string) error {
	params := &stripe.DeauthorizeParams{
		ClientID:     stripe.String(c.clientID),
		StripeUserID: stripe.String(connectedAccountID),
	}
	params.Context = ctx
	if _, err := c.api.OAuth.Del(params); err != nil {
		return fmt.Errorf("payments: deauthorize %s: %w", connectedAccountID, err)
	}
	return nil
}

// CancelActiveSubscriptions cancels every active subscription in the
// tenant's account, returning how many were cancelled. Disconnect treats a
// failure as best-effort; erasure aborts on it.
func (c *Client) CancelActiveSubscriptions(ctx context.Context, connectedAccountID string) (int, error) {
	listParams := &stripe.SubscriptionListParams{Status: stripe.String("active")}
	listParams.Context = ctx
	listParams.StripeAccount = stripe.String(connectedAccountID)

	var ids []string
	iter := c.api.Subscriptions.List(listParams)
	for iter.Next() {
		ids = append(ids, iter.Subscription().ID)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("payments: list subscriptions: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.StripeAccount = stripe.String(connectedAccountID)
		if _, err := c.api.Subscriptions.Cancel(id, params); err != nil {
			return cancelled, fmt.Errorf("payments: cancel subscription %s: %w", id, err)
		}
		cancelled++
	}
	return cancelled, nil
}

// meterEventParams is the raw form body for the metered-billing endpoint;
// the SDK pin predates a typed surface for it.
type meterEventParams struct {
	stripe.Params `form:"*"`
	EventName     *string           `form:"event_name"`
	Payload       map[string]string `form:"payload"`
	Timestamp     *int64            `form:"timestamp"`
}

// ReportMeterEvent pushes one usage unit onto the platform subscription of
// the given customer. The caller-supplied idempotency key makes duplicate
// uploads harmless.
func (c *Client) ReportMeterEvent(ctx context.Context, platformCustomerID string, value int64, idempotencyKey string) error {
	if platformCustomerID == "" {
		return errors.New("payments: platform customer id must not be empty")
	}
	params := &meterEventParams{
		EventName: stripe.String(meterEventName),
		Payload: map[string]string{
			"stripe_customer_id": platformCustomerID,
			"value":              strconv.FormatInt(value, 10),
		},
		Timestamp: stripe.Int64(time.Now().Unix()),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	v := &stripe.APIResource{}
	if err := c.backend.Call(http.MethodPost, "/v1/billing/meter_events", c.secretKey, params, v); err != nil {
		return fmt.Errorf("payments: report meter event: %w", err)
	}
	return nil
}
