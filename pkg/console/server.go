// Package console is the merchant-facing HTTP API plus the unauthenticated
// surfaces that hang off the same listener: webhook ingress, tracking
// endpoints, worker RPC and the admin erasure hook.
package console

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/regainhq/regain/pkg/auth"
	"github.com/regainhq/regain/pkg/observability"
	"github.com/regainhq/regain/pkg/payments"
	"github.com/regainhq/regain/pkg/store"
)

// PaymentsClient is the provider surface the console needs: the OAuth
// connect lifecycle and subscription teardown.
type PaymentsClient interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*payments.OAuthGrant, error)
	Deauthorize(ctx context.Context, connectedAccountID string) error
	CancelActiveSubscriptions(ctx context.Context, connectedAccountID string) (int, error)
}

// Server carries the handler dependencies.
type Server struct {
	merchants *store.MerchantStore
	tasks     *store.TaskStore
	usage     *store.UsageStore
	templates *store.TemplateStore
	payments  PaymentsClient
	webhook   http.Handler
	tracking  *Tracking
	metrics   *observability.Provider
	logger    *slog.Logger

	verifier     *auth.Verifier
	workerSecret string
	adminKey     string
	development  bool
}

// Options bundles the server dependencies.
type Options struct {
	Merchants    *store.MerchantStore
	Tasks        *store.TaskStore
	Usage        *store.UsageStore
	Templates    *store.TemplateStore
	Payments     PaymentsClient
	Webhook      http.Handler
	Tracking     *Tracking
	Metrics      *observability.Provider
	Logger       *slog.Logger
	Verifier     *auth.Verifier
	WorkerSecret string
	AdminKey     string
	Development  bool
}

func NewServer(opts Options) *Server {
	return &Server{
		merchants:    opts.Merchants,
		tasks:        opts.Tasks,
		usage:        opts.Usage,
		templates:    opts.Templates,
		payments:     opts.Payments,
		webhook:      opts.Webhook,
		tracking:     opts.Tracking,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "console"),
		verifier:     opts.Verifier,
		workerSecret: opts.WorkerSecret,
		adminKey:     opts.AdminKey,
		development:  opts.Development,
	}
}

// Routes assembles the mux. Authenticated routes sit behind the bearer
// middleware; worker and admin routes behind their shared secrets; webhook
// and tracking routes are open by design.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	authed := auth.Middleware(s.verifier, s.merchants, s.logger)
	workerAuth := auth.RequireSecret("X-Worker-Secret", s.workerSecret, s.logger)
	adminAuth := auth.RequireSecret("X-Admin-Key", s.adminKey, s.logger)

	handle := func(pattern string, mw func(http.Handler) http.Handler, h http.HandlerFunc) {
		mux.Handle(pattern, mw(h))
	}

	mux.HandleFunc("GET /health", s.handleHealth)

	handle("GET /dashboard", authed, s.handleDashboard)

	handle("GET /tasks", authed, s.handleListTasks)
	handle("POST /tasks", authed, s.handleCreateTask)
	handle("GET /tasks/{id}", authed, s.handleGetTask)
	handle("POST /tasks/{id}/retry", authed, s.handleRetryTask)
	handle("DELETE /tasks/{id}", authed, s.handleDeleteTask)
	handle("DELETE /tasks/completed", authed, s.handleDeleteCompleted)

	handle("PATCH /merchants/{id}", authed, s.handlePatchMerchant)
	handle("POST /email-templates", authed, s.handleUpsertTemplate)
	handle("GET /activity", authed, s.handleActivity)

	handle("POST /worker/claim", workerAuth, s.handleWorkerClaim)
	handle("POST /worker/complete/{id}", workerAuth, s.handleWorkerComplete)

	handle("POST /pp/connect/authorize", authed, s.handleConnectAuthorize)
	handle("GET /pp/connect/callback", authed, s.handleConnectCallback)
	handle("POST /pp/disconnect", authed, s.handleDisconnect)

	mux.Handle("POST /webhooks/pp", s.webhook)

	mux.HandleFunc("GET /track/open/{logId}", s.tracking.HandleOpen)
	mux.HandleFunc("GET /track/click", s.tracking.HandleClick)

	handle("DELETE /admin/merchants/{id}", adminAuth, s.handleAdminErase)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
