package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"studio-server/internal/domain"
	"studio-server/internal/pipeline"
)

type taskCreateRequest struct {
	Type      string   `json:"type"`
	SceneID   string   `json:"scene_id"`
	Locale    string   `json:"locale"`
	InputRefs []string `json:"input_refs"`
	Quantity  int      `json:"quantity"`
}

type taskCreateResponse struct {
	TaskID           string `json:"task_id"`
	ResultID         string `json:"result_id"`
	CreditsUsed      int    `json:"credits_used"`
	CreditsRemaining int    `json:"credits_remaining"`
}

// TasksCreate handles POST /v1/tasks.
func (a *App) TasksCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	resp, err := a.Dispatcher.Create(r.Context(), pipeline.CreateRequest{
		UserID:    userID,
		Type:      domain.TaskType(req.Type),
		SceneID:   req.SceneID,
		Locale:    req.Locale,
		InputRefs: req.InputRefs,
		Quantity:  req.Quantity,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, domain.ErrInsufficientCredits):
			a.error(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
		case errors.Is(err, domain.ErrTooManyActiveTasks):
			a.error(w, http.StatusTooManyRequests, "too_many_active_tasks", err.Error())
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "user not found")
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("task create failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to create task")
		}
		return
	}

	a.json(w, http.StatusCreated, taskCreateResponse{
		TaskID:           resp.TaskID,
		ResultID:         resp.ResultID,
		CreditsUsed:      resp.CreditsUsed,
		CreditsRemaining: resp.CreditsRemaining,
	})
}

type taskProgressResponse struct {
	TaskID   string   `json:"task_id"`
	State    string   `json:"state"`
	Status   string   `json:"status"`
	Progress int      `json:"progress"`
	Message  string   `json:"message"`
	Images   []string `json:"images,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// TasksGet handles GET /v1/tasks/{id}: the progress projection. Internal
// pipeline detail stays internal; the caller sees state, the derived status,
// the shared percent mapping and, on completion, the result images.
func (a *App) TasksGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	taskID := chi.URLParam(r, "id")

	task, err := a.Tasks.GetByID(r.Context(), taskID)
	if err != nil || task.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "task not found")
		return
	}

	status := task.State.Status()
	resp := taskProgressResponse{
		TaskID:   task.ID,
		State:    string(task.State),
		Status:   string(status),
		Progress: task.State.Progress(),
		Message:  statusMessage(status),
	}
	switch status {
	case domain.StatusCompleted:
		if result, err := a.Results.GetByTaskID(r.Context(), taskID); err == nil {
			resp.Images = result.Images
		}
	case domain.StatusFailed:
		resp.Error = task.LastError
	}

	a.json(w, http.StatusOK, resp)
}

// TasksCancel handles POST /v1/tasks/{id}/cancel.
func (a *App) TasksCancel(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	taskID := chi.URLParam(r, "id")

	err := a.Dispatcher.Cancel(r.Context(), taskID, userID)
	switch {
	case err == nil:
		a.json(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(domain.StatusCancelled)})
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, domain.ErrNotCancelable):
		a.error(w, http.StatusConflict, "not_cancelable", "task already finished")
	default:
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("task cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel task")
	}
}

func statusMessage(status domain.TaskStatus) string {
	switch status {
	case domain.StatusPending:
		return "waiting to start"
	case domain.StatusProcessing:
		return "still processing"
	case domain.StatusCompleted:
		return "done"
	case domain.StatusFailed:
		return "generation failed"
	case domain.StatusCancelled:
		return "cancelled"
	default:
		return ""
	}
}
