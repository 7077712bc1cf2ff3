package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/store"
)

// Provisioner looks up or creates the merchant for an authenticated user.
// The store's Provision is racy-safe: the unique auth_user_id column breaks
// ties and both racers read back the surviving row.
type Provisioner interface {
	Provision(ctx context.Context, authUserID, email string) (*store.Merchant, error)
}

// Middleware verifies the bearer token, provisions the merchant in-request
// and attaches it to the context. Fails closed: no valid token, no handler.
func Middleware(verifier *Verifier, merchants Provisioner, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			identity, err := verifier.Verify(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			merchant, err := merchants.Provision(r.Context(), identity.UserID, identity.Email)
			if err != nil {
				logger.Error("merchant provisioning failed", "error", err)
				api.WriteInternal(w, logger, err, false)
				return
			}

			ctx := WithMerchant(r.Context(), merchant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
