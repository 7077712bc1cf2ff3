package console_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regainhq/regain/pkg/auth"
	"github.com/regainhq/regain/pkg/console"
	"github.com/regainhq/regain/pkg/crypto"
	"github.com/regainhq/regain/pkg/logging"
	"github.com/regainhq/regain/pkg/observability"
	"github.com/regainhq/regain/pkg/payments"
	"github.com/regainhq/regain/pkg/store"
)

const (
	authSecret   = "auth-secret"
	workerSecret = "worker-secret"
	adminKey     = "admin-key"
)

type fakeConnect struct {
	grant     *payments.OAuthGrant
	grantErr  error
	cancelErr error
	cancelled []string
	deauthed  []string
}

func (f *fakeConnect) AuthorizeURL(state string) string {
	return "https://connect.example.com/authorize?state=" + state
}

func (f *fakeConnect) ExchangeCode(context.Context, string) (*payments.OAuthGrant, error) {
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	return f.grant, nil
}

func (f *fakeConnect) Deauthorize(_ context.Context, acct string) error {
	f.deauthed = append(f.deauthed, acct)
	return nil
}

func (f *fakeConnect) CancelActiveSubscriptions(_ context.Context, acct string) (int, error) {
	if f.cancelErr != nil {
		return 0, f.cancelErr
	}
	f.cancelled = append(f.cancelled, acct)
	return 1, nil
}

type fixture struct {
	handler   http.Handler
	merchants *store.MerchantStore
	tasks     *store.TaskStore
	usage     *store.UsageStore
	templates *store.TemplateStore
	connect   *fakeConnect
	signer    *crypto.TrackingSigner
	merchant  *store.Merchant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open("file:" + filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cipher, err := crypto.NewTokenCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	logger := logging.Discard()

	f := &fixture{
		merchants: store.NewMerchantStore(db, cipher, logger),
		tasks:     store.NewTaskStore(db),
		usage:     store.NewUsageStore(db),
		templates: store.NewTemplateStore(db),
		connect:   &fakeConnect{},
		signer:    crypto.NewTrackingSigner("tracking-secret"),
	}
	ctx := context.Background()
	require.NoError(t, f.merchants.Init(ctx))
	require.NoError(t, f.tasks.Init(ctx))
	require.NoError(t, f.usage.Init(ctx))
	require.NoError(t, f.templates.Init(ctx))

	m, err := f.merchants.Provision(ctx, "user_c", "owner@example.com")
	require.NoError(t, err)
	f.merchant = m

	srv := console.NewServer(console.Options{
		Merchants:    f.merchants,
		Tasks:        f.tasks,
		Usage:        f.usage,
		Templates:    f.templates,
		Payments:     f.connect,
		Webhook:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Tracking:     console.NewTracking(f.usage, f.signer, logger),
		Metrics:      observability.Disabled(),
		Logger:       logger,
		Verifier:     auth.NewVerifier(authSecret),
		WorkerSecret: workerSecret,
		AdminKey:     adminKey,
	})
	f.handler = srv.Routes()
	return f
}

func bearerToken(t *testing.T, sub string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: "owner@example.com",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authSecret))
	require.NoError(t, err)
	return token
}

func (f *fixture) request(t *testing.T, method, path, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(r)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func asUser(t *testing.T, sub string) func(*http.Request) {
	token := bearerToken(t, sub)
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func asWorker(r *http.Request) { r.Header.Set("X-Worker-Secret", workerSecret) }
func asAdmin(r *http.Request)  { r.Header.Set("X-Admin-Key", adminKey) }

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthNoAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "GET", "/dashboard", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)
	_, err = f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 3)
	require.NoError(t, err)

	rec := f.request(t, "GET", "/dashboard", "", asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RecentTasks []json.RawMessage `json:"recentTasks"`
		Usage       struct {
			Current int64 `json:"current"`
			Limit   int64 `json:"limit"`
		} `json:"usage"`
		Merchant struct {
			ID        string `json:"id"`
			Connected bool   `json:"connected"`
		} `json:"merchant"`
	}
	decode(t, rec, &body)
	assert.Len(t, body.RecentTasks, 1)
	assert.EqualValues(t, 3, body.Usage.Current)
	assert.EqualValues(t, 20, body.Usage.Limit)
	assert.Equal(t, f.merchant.ID, body.Merchant.ID)
	assert.False(t, body.Merchant.Connected)
}

func TestCreateTaskForcesServerFields(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "POST", "/tasks", `{
		"type": "dunning_retry",
		"payload": {"invoiceId": "in_1", "attemptCount": 1},
		"status": "completed",
		"runAt": "2031-01-01T00:00:00Z",
		"merchantId": "someone_else"
	}`, asUser(t, "user_c"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var task store.Task
	decode(t, rec, &task)
	assert.Equal(t, f.merchant.ID, task.MerchantID)
	assert.Equal(t, store.StatusPending, task.Status)
	assert.WithinDuration(t, time.Now(), task.RunAt, time.Minute)
}

func TestCreateTaskTypeWhitelist(t *testing.T) {
	f := newFixture(t)
	for _, typ := range []string{"report_usage", "send_weekly_digest", "rm_rf"} {
		rec := f.request(t, "POST", "/tasks",
			fmt.Sprintf(`{"type": %q}`, typ), asUser(t, "user_c"))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "type %s", typ)
	}
}

func TestCreateTaskQueueQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Free plan queue limit is 10.
	for i := 0; i < 10; i++ {
		_, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
		require.NoError(t, err)
	}
	rec := f.request(t, "POST", "/tasks", `{"type": "dunning_retry"}`, asUser(t, "user_c"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestCreateTaskMonthlyQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 20)
	require.NoError(t, err)

	rec := f.request(t, "POST", "/tasks", `{"type": "dunning_retry"}`, asUser(t, "user_c"))
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestTaskOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.merchants.Provision(ctx, "user_other", "other@example.com")
	require.NoError(t, err)
	task, err := f.tasks.Enqueue(ctx, other.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)

	path := fmt.Sprintf("/tasks/%d", task.ID)
	assert.Equal(t, http.StatusNotFound, f.request(t, "GET", path, "", asUser(t, "user_c")).Code)
	assert.Equal(t, http.StatusNotFound, f.request(t, "DELETE", path, "", asUser(t, "user_c")).Code)
	assert.Equal(t, http.StatusNotFound, f.request(t, "POST", path+"/retry", "", asUser(t, "user_c")).Code)

	// Still there.
	kept, err := f.tasks.ByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, kept.MerchantID)
}

func TestRetryTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(ctx, task.ID, store.StatusFailed))

	rec := f.request(t, "POST", fmt.Sprintf("/tasks/%d/retry", task.ID), "", asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)

	retried, err := f.tasks.ByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, retried.Status)

	activity, err := f.usage.RecentActivity(ctx, f.merchant.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, store.MetricTaskRetry, activity[0].MetricType)
}

func TestPatchMerchant(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, "PATCH", "/merchants/"+f.merchant.ID,
		`{"brandColor": "red"}`, asUser(t, "user_c"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, "PATCH", "/merchants/"+f.merchant.ID,
		`{"logoUrl": "http://insecure.example.com/logo.png"}`, asUser(t, "user_c"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, "PATCH", "/merchants/someone_else",
		`{"fromName": "Acme"}`, asUser(t, "user_c"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, "PATCH", "/merchants/"+f.merchant.ID,
		`{"fromName": "Acme", "brandColor": "#ff0000"}`, asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"fromName":"Acme"`)
	assert.NotContains(t, body, "accessToken")
	assert.NotContains(t, body, "oauth")
	assert.NotContains(t, body, "connectedAccountId")
}

func TestUpsertTemplateSanitizes(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "POST", "/email-templates", `{
		"retryAttempt": 1,
		"subject": "Pay up {{customer_name}}",
		"body": "<p>Hi {{customer_name}}</p><script>alert(1)</script>"
	}`, asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)

	saved, err := f.templates.Get(context.Background(), f.merchant.ID, 1)
	require.NoError(t, err)
	assert.NotContains(t, saved.Body, "script")
	assert.Contains(t, saved.Body, "{{customer_name}}")

	rec = f.request(t, "POST", "/email-templates",
		`{"retryAttempt": 4, "subject": "x", "body": "<p>y</p>"}`, asUser(t, "user_c"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkerClaimAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusForbidden, f.request(t, "POST", "/worker/claim", "").Code)
	assert.Equal(t, http.StatusNoContent, f.request(t, "POST", "/worker/claim", "", asWorker).Code)

	task, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)

	rec := f.request(t, "POST", "/worker/claim", "", asWorker)
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed store.Task
	decode(t, rec, &claimed)
	assert.Equal(t, task.ID, claimed.ID)

	rec = f.request(t, "POST", fmt.Sprintf("/worker/complete/%d", task.ID),
		`{"status": "completed", "recoveredCents": 4200}`, asWorker)
	require.Equal(t, http.StatusOK, rec.Code)

	done, err := f.tasks.ByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)

	totals, err := f.usage.LifetimeTotals(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4200, totals.RecoveredCents)

	activity, err := f.usage.RecentActivity(ctx, f.merchant.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, store.MetricRecoverySuccess, activity[0].MetricType)
}

func TestWorkerCompleteFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)

	rec := f.request(t, "POST", fmt.Sprintf("/worker/complete/%d", task.ID),
		`{"status": "failed"}`, asWorker)
	require.Equal(t, http.StatusOK, rec.Code)

	activity, err := f.usage.RecentActivity(ctx, f.merchant.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, store.MetricRecoveryFailed, activity[0].MetricType)

	rec = f.request(t, "POST", fmt.Sprintf("/worker/complete/%d", task.ID),
		`{"status": "running"}`, asWorker)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect.grant = &payments.OAuthGrant{
		StripeUserID: "acct_new",
		AccessToken:  "sk_test_new",
		RefreshToken: "rt_new",
	}

	rec := f.request(t, "POST", "/pp/connect/authorize", "", asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)
	var authorize struct {
		URL string `json:"url"`
	}
	decode(t, rec, &authorize)
	assert.Contains(t, authorize.URL, "state=")

	m, err := f.merchants.ByID(ctx, f.merchant.ID)
	require.NoError(t, err)
	require.NotEmpty(t, m.OAuthState)

	// Forged state is rejected before any exchange.
	rec = f.request(t, "GET", "/pp/connect/callback?state=forged&code=c1", "", asUser(t, "user_c"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, "GET", "/pp/connect/callback?state="+m.OAuthState+"&code=c1", "", asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)

	m, err = f.merchants.ByID(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.Equal(t, "acct_new", m.ConnectedAccountID)
	assert.Equal(t, "sk_test_new", m.AccessToken, "token decrypts on read")
	assert.Empty(t, m.OAuthState, "state cleared after use")

	activity, err := f.usage.RecentActivity(ctx, f.merchant.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, activity)
	assert.Equal(t, store.MetricMerchantConnected, activity[0].MetricType)
}

func TestDisconnectTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.CompleteConnect(ctx, f.merchant.ID, "acct_x", "sk_x", "rt_x"))
	_, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)

	// Provider-side cancellation failing must not block local teardown.
	f.connect.cancelErr = errors.New("provider down")

	rec := f.request(t, "POST", "/pp/disconnect", "", asUser(t, "user_c"))
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := f.merchants.ByID(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.False(t, m.Connected())
	assert.Empty(t, m.AccessToken)

	pending, err := f.tasks.ListByMerchant(ctx, f.merchant.ID, store.StatusPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTrackingOpenAndClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lg, err := f.usage.CreateLog(ctx, f.merchant.ID, store.MetricDunningEmailSent, 1)
	require.NoError(t, err)

	rec := f.request(t, "GET", fmt.Sprintf("/track/open/%d", lg.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())

	target := "https://pay.example.com/in_1"
	sig := f.signer.Sign(target, lg.ID)
	rec = f.request(t, "GET",
		fmt.Sprintf("/track/click?url=%s&logId=%d&sig=%s", "https%3A%2F%2Fpay.example.com%2Fin_1", lg.ID, sig), "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, target, rec.Header().Get("Location"))

	rec = f.request(t, "GET",
		fmt.Sprintf("/track/click?url=%s&logId=%d&sig=bad", "https%3A%2F%2Fpay.example.com%2Fin_1", lg.ID), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	totals, err := f.usage.LifetimeTotals(ctx, f.merchant.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, totals.TotalOpens)
	assert.EqualValues(t, 1, totals.TotalClicks)
}

func TestAdminEraseAbortsOnProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.CompleteConnect(ctx, f.merchant.ID, "acct_x", "sk_x", "rt_x"))
	f.connect.cancelErr = errors.New("provider down")

	rec := f.request(t, "DELETE", "/admin/merchants/"+f.merchant.ID, "", asAdmin)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	_, err := f.merchants.ByID(ctx, f.merchant.ID)
	assert.NoError(t, err, "merchant survives an aborted erasure")
}

func TestAdminErase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.merchants.CompleteConnect(ctx, f.merchant.ID, "acct_x", "sk_x", "rt_x"))
	_, err := f.tasks.Enqueue(ctx, f.merchant.ID, store.TaskDunningRetry, nil, time.Now())
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden,
		f.request(t, "DELETE", "/admin/merchants/"+f.merchant.ID, "").Code)

	rec := f.request(t, "DELETE", "/admin/merchants/"+f.merchant.ID, "", asAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"acct_x"}, f.connect.cancelled)

	_, err = f.merchants.ByID(ctx, f.merchant.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	tasks, err := f.tasks.ListByMerchant(ctx, f.merchant.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAutoProvisionOnFirstSight(t *testing.T) {
	f := newFixture(t)
	rec := f.request(t, "GET", "/dashboard", "", asUser(t, "brand_new_user"))
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := f.merchants.ByAuthUser(context.Background(), "brand_new_user")
	require.NoError(t, err)
	assert.Equal(t, "price_free", m.SubscriptionPlanID)
}
