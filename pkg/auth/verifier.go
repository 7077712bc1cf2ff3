// Package auth binds inbound requests to merchants. The external auth
// provider issues HS256 bearer tokens carrying an opaque user id and an
// optional email; this package verifies them and provisions a merchant row
// on first sight.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is what the auth provider asserts about a request.
type Identity struct {
	UserID string
	Email  string
}

// Claims are the token claims the provider signs.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// ErrNoSecret fails closed when the verifier has no key material.
var ErrNoSecret = errors.New("auth: verifier has no signing secret")

// Verifier validates provider-issued bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the asserted identity.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, ErrNoSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: token subject is required")
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email}, nil
}
