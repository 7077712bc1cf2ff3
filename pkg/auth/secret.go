package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/regainhq/regain/pkg/api"
)

// SecretEqual compares two secrets in constant time. Hashing first makes
// the comparison length-independent, so mismatched lengths leak nothing.
func SecretEqual(presented, expected string) bool {
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// RequireSecret gates a handler on a shared-secret header. Failures log at
// WARN with the remote IP; an empty configured secret fails closed.
func RequireSecret(header, secret string, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !SecretEqual(r.Header.Get(header), secret) {
				logger.Warn("shared-secret auth failure",
					"header", header, "path", r.URL.Path, "ip", api.ClientIP(r))
				api.WriteForbidden(w, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
