package console

import (
	"errors"
	"net/http"
	"time"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/mailer"
	"github.com/regainhq/regain/pkg/store"
)

// merchantView is the response whitelist: no tokens, no OAuth state, no
// account linkage ids.
type merchantView struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	Tier               string    `json:"tier"`
	SubscriptionPlanID string    `json:"subscriptionPlanId"`
	Connected          bool      `json:"connected"`
	BillingCountry     string    `json:"billingCountry"`
	BillingAddress     string    `json:"billingAddress"`
	FromName           string    `json:"fromName"`
	SupportEmail       string    `json:"supportEmail"`
	BrandColor         string    `json:"brandColor"`
	LogoURL            string    `json:"logoUrl"`
	CreatedAt          time.Time `json:"createdAt"`
}

func viewOf(m *store.Merchant) merchantView {
	return merchantView{
		ID:                 m.ID,
		Email:              m.Email,
		Tier:               m.Tier,
		SubscriptionPlanID: m.SubscriptionPlanID,
		Connected:          m.Connected(),
		BillingCountry:     m.BillingCountry,
		BillingAddress:     m.BillingAddress,
		FromName:           m.FromName,
		SupportEmail:       m.SupportEmail,
		BrandColor:         m.BrandColor,
		LogoURL:            m.LogoURL,
		CreatedAt:          m.CreatedAt,
	}
}

type patchMerchantRequest struct {
	BillingCountry *string `json:"billingCountry"`
	BillingAddress *string `json:"billingAddress"`
	FromName       *string `json:"fromName"`
	SupportEmail   *string `json:"supportEmail"`
	BrandColor     *string `json:"brandColor"`
	LogoURL        *string `json:"logoUrl"`
}

func (s *Server) handlePatchMerchant(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	if r.PathValue("id") != m.ID {
		api.WriteForbidden(w, "merchants may only modify themselves")
		return
	}

	var req patchMerchantRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	err := s.merchants.UpdateSettings(ctx, m.ID, store.SettingsPatch{
		BillingCountry: req.BillingCountry,
		BillingAddress: req.BillingAddress,
		FromName:       req.FromName,
		SupportEmail:   req.SupportEmail,
		BrandColor:     req.BrandColor,
		LogoURL:        req.LogoURL,
	})
	if errors.Is(err, store.ErrInvalidBrandColor) || errors.Is(err, store.ErrInvalidLogoURL) {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}

	updated, err := s.merchants.ByID(ctx, m.ID)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	api.RespondJSON(w, http.StatusOK, viewOf(updated))
}

type upsertTemplateRequest struct {
	RetryAttempt int    `json:"retryAttempt"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

func (s *Server) handleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	var req upsertTemplateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	tpl := &store.EmailTemplate{
		MerchantID:   m.ID,
		RetryAttempt: req.RetryAttempt,
		Subject:      req.Subject,
		Body:         mailer.SanitizeTemplateHTML(req.Body),
	}
	err := s.templates.Upsert(r.Context(), tpl)
	if errors.Is(err, store.ErrInvalidRetryAttempt) || errors.Is(err, store.ErrSubjectTooLong) {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	api.RespondJSON(w, http.StatusOK, tpl)
}
