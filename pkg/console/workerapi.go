package console

import (
	"errors"
	"net/http"

	"github.com/regainhq/regain/pkg/api"
	"github.com/regainhq/regain/pkg/store"
)

// handleWorkerClaim hands one ready task to an external worker process.
// 204 means the queue is quiet.
func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.ClaimNext(r.Context())
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	api.RespondJSON(w, http.StatusOK, task)
}

type workerCompleteRequest struct {
	Status         store.TaskStatus `json:"status"`
	RecoveredCents int64            `json:"recoveredCents"`
}

// handleWorkerComplete records the outcome of an externally executed task.
// This endpoint is the only writer of nonzero recovered_cents.
func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		api.WriteBadRequest(w, "invalid task id")
		return
	}
	var req workerCompleteRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if req.Status != store.StatusCompleted && req.Status != store.StatusFailed {
		api.WriteBadRequest(w, "status must be completed or failed")
		return
	}
	if req.RecoveredCents < 0 {
		api.WriteBadRequest(w, "recoveredCents must not be negative")
		return
	}

	ctx := r.Context()
	task, err := s.tasks.ByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		api.WriteNotFound(w, "task not found")
		return
	}
	if err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}

	if err := s.tasks.UpdateStatus(ctx, task.ID, req.Status); err != nil {
		api.WriteInternal(w, s.logger, err, s.development)
		return
	}

	switch {
	case req.Status == store.StatusCompleted && req.RecoveredCents > 0:
		if err := s.usage.AddRecoveredCents(ctx, task.MerchantID, req.RecoveredCents); err != nil {
			api.WriteInternal(w, s.logger, err, s.development)
			return
		}
		if _, err := s.usage.CreateLog(ctx, task.MerchantID, store.MetricRecoverySuccess, 1); err != nil {
			api.WriteInternal(w, s.logger, err, s.development)
			return
		}
	case req.Status == store.StatusFailed:
		if _, err := s.usage.CreateLog(ctx, task.MerchantID, store.MetricRecoveryFailed, 1); err != nil {
			api.WriteInternal(w, s.logger, err, s.development)
			return
		}
	}

	api.RespondJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}
