package auth

import (
	"context"

	"github.com/regainhq/regain/pkg/store"
)

type contextKey string

const merchantKey contextKey = "merchant"

// WithMerchant attaches the session merchant to the context.
func WithMerchant(ctx context.Context, m *store.Merchant) context.Context {
	return context.WithValue(ctx, merchantKey, m)
}

// MerchantFrom retrieves the session merchant placed by the middleware.
func MerchantFrom(ctx context.Context) (*store.Merchant, bool) {
	m, ok := ctx.Value(merchantKey).(*store.Merchant)
	return m, ok
}
