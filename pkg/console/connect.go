package console

import (
	"errors"
	"net/http"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/crypto"
	"github.com/regainhq/regain/pkg/store"
)

// handleConnectAuthorize starts the OAuth connect flow: mint a CSRF state,
// persist it on the merchant, hand back the provider's authorize URL.
func (s *Server) handleConnectAuthorize(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	state, err := crypto.NewState()
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if err := s.merchants.SetOAuthState(r.Context(), m.ID, state); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{
		"url": s.payments.AuthorizeURL(state),
	})
}

// handleConnectCallback finishes the flow. The state must equal what this
// merchant's authorize call stored; anything else is a forged or replayed
// callback.
func (s *Server) handleConnectCallback(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		api.WriteBadRequest(w, "state and code are required")
		return
	}
	if m.OAuthState == "" || state != m.OAuthState {
		s.logger.Warn("oauth state mismatch",
			"merchant_id", m.ID, "ip", api.ClientIP(r))
		api.WriteForbidden(w, "state mismatch")
		return
	}

	ctx := r.Context()
	grant, err := s.payments.ExchangeCode(ctx, code)
	if err != nil {
		s.logger.Error("oauth code exchange failed", "merchant_id", m.ID, "error", err)
		api.WriteBadGateway(w, "authorization code exchange failed")
		return
	}
	if err := s.merchants.CompleteConnect(ctx, m.ID,
		grant.StripeUserID, grant.AccessToken, grant.RefreshToken); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if _, err := s.usage.CreateLog(ctx, m.ID, store.MetricMerchantConnected, 1); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}

	s.logger.Info("merchant connected", "merchant_id", m.ID, "account_id", grant.StripeUserID)
	api.RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "connected",
		"accountId": grant.StripeUserID,
	})
}

// handleDisconnect severs the tenant. Subscription cancellation and OAuth
// deauthorization are best effort: the local teardown always happens so the
// merchant stops dunning even when the provider is unreachable.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	if !m.Connected() {
		api.WriteBadRequest(w, "merchant is not connected")
		return
	}
	ctx := r.Context()

	if n, err := s.payments.CancelActiveSubscriptions(ctx, m.ConnectedAccountID); err != nil {
		s.logger.Error("subscription cancellation incomplete on disconnect",
			"merchant_id", m.ID, "error", err)
	} else if n > 0 {
		s.logger.Info("cancelled tenant subscriptions", "merchant_id", m.ID, "count", n)
	}
	if err := s.payments.Deauthorize(ctx, m.ConnectedAccountID); err != nil {
		s.logger.Error("oauth deauthorize failed", "merchant_id", m.ID, "error", err)
	}

	if err := s.merchants.Disconnect(ctx, m.ID); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	dropped, err := s.tasks.DeleteActive(ctx, m.ID)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if _, err := s.usage.CreateLog(ctx, m.ID, store.MetricMerchantDisconnected, 1); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}

	s.logger.Info("merchant disconnected", "merchant_id", m.ID, "tasks_dropped", dropped)
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"status":       "disconnected",
		"tasksDropped": dropped,
	})
}

// handleAdminErase is the GDPR erasure path. Provider-side subscriptions
// are cancelled first; if that fails the erasure aborts, because deleting
// the row while billing still runs would leave customers charged by a
// tenant that no longer exists.
func (s *Server) handleAdminErase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	m, err := s.merchants.ByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		api.WriteNotFound(w, "merchant not found")
		return
	}
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}

	if m.Connected() {
		if _, err := s.payments.CancelActiveSubscriptions(ctx, m.ConnectedAccountID); err != nil {
			s.logger.Error("erasure aborted: subscription cancellation failed",
				"merchant_id", m.ID, "error", err)
			api.WriteBadGateway(w, "subscription cancellation failed, erasure aborted")
			return
		}
		if err := s.payments.Deauthorize(ctx, m.ConnectedAccountID); err != nil {
			s.logger.Error("oauth deauthorize failed during erasure",
				"merchant_id", m.ID, "error", err)
		}
	}

	if err := s.merchants.Erase(ctx, m.ID); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	s.logger.Info("merchant erased", "merchant_id", m.ID)
	w.WriteHeader(http.StatusNoContent)
}
