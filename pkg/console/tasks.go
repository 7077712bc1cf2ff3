package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/auth"
	"github.com/regainhq/regain/pkg/plans"
	"github.com/regainhq/regain/pkg/store"
)

func (s *Server) sessionMerchant(w http.ResponseWriter, r *http.Request) (*store.Merchant, bool) {
	m, ok := auth.MerchantFrom(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "")
		return nil, false
	}
	return m, true
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// ownedTask loads a task and enforces tenant ownership. Foreign tasks read
// as 404, not 403: their existence is not the caller's business.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request, merchantID string) (*store.Task, bool) {
	id, err := pathID(r)
	if err != nil {
		api.WriteBadRequest(w, "invalid task id")
		return nil, false
	}
	task, err := s.tasks.ByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		api.WriteNotFound(w, "task not found")
		return nil, false
	}
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return nil, false
	}
	if task.MerchantID != merchantID {
		api.WriteNotFound(w, "task not found")
		return nil, false
	}
	return task, true
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	stats, err := s.tasks.CountByStatus(ctx, m.ID)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	totals, err := s.usage.LifetimeTotals(ctx, m.ID)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	recentTasks, err := s.tasks.ListByMerchant(ctx, m.ID, "", 5)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	recentActivity, err := s.usage.RecentActivity(ctx, m.ID, 10)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	used, err := s.usage.MonthlyDunningCount(ctx, m.ID)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	plan := plans.Get(plans.PlanID(m.SubscriptionPlanID))

	api.RespondJSON(w, http.StatusOK, map[string]any{
		"stats": map[string]any{
			"tasks":  stats,
			"totals": totals,
		},
		"recentTasks":    recentTasks,
		"recentActivity": recentActivity,
		"usage": map[string]int64{
			"current": used,
			"limit":   plan.Limits.MonthlyDunnings,
		},
		"merchant": map[string]any{
			"id":        m.ID,
			"email":     m.Email,
			"tier":      m.Tier,
			"connected": m.Connected(),
		},
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	status := store.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.tasks.ListByMerchant(r.Context(), m.ID, status, 100)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	task, ok := s.ownedTask(w, r, m.ID)
	if !ok {
		return
	}
	api.RespondJSON(w, http.StatusOK, task)
}

// createTaskRequest deliberately accepts and discards the server-owned
// fields so clients that echo them back are not rejected.
type createTaskRequest struct {
	Type       store.TaskType  `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RunAt      string          `json:"runAt"`
	MerchantID string          `json:"merchantId"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.Type != store.TaskDunningRetry && req.Type != store.TaskNotifyActionRequired {
		api.WriteBadRequest(w, "type must be dunning_retry or notify_action_required")
		return
	}

	ctx := r.Context()
	plan := plans.Get(plans.PlanID(m.SubscriptionPlanID))

	if !plans.IsUnlimited(plan.Limits.QueuedTasks) {
		queued, err := s.tasks.PendingCount(ctx, m.ID)
		if err != nil {
			api.WriteInternal(w, s.logger, err, s.development)
			return
		}
		if queued >= plan.Limits.QueuedTasks {
			s.metrics.RecordQuotaRejection(ctx, "api")
			api.WriteTooManyRequests(w, 60)
			return
		}
	}
	if !plans.IsUnlimited(plan.Limits.MonthlyDunnings) {
		used, err := s.usage.MonthlyDunningCount(ctx, m.ID)
		if err != nil {
			api.WriteInternal(w, s.logger, err, s.development)
			return
		}
		if used >= plan.Limits.MonthlyDunnings {
			s.metrics.RecordQuotaRejection(ctx, "api")
			api.WritePaymentRequired(w, "monthly dunning limit reached, upgrade to continue")
			return
		}
	}

	task, err := s.tasks.Enqueue(ctx, m.ID, req.Type, req.Payload, time.Now())
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	api.RespondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	task, ok := s.ownedTask(w, r, m.ID)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := s.tasks.Retry(ctx, task.ID); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if _, err := s.usage.CreateLog(ctx, m.ID, store.MetricTaskRetry, 1); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]string{"status": "pending"})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	task, ok := s.ownedTask(w, r, m.ID)
	if !ok {
		return
	}
	if err := s.tasks.Delete(r.Context(), task.ID); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCompleted(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	n, err := s.tasks.DeleteCompleted(r.Context(), m.ID)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sessionMerchant(w, r)
	if !ok {
		return
	}
	logs, err := s.usage.RecentActivity(r.Context(), m.ID, 100)
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if logs == nil {
		logs = []*store.UsageLog{}
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{"activity": logs})
}
