package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"studio-server/internal/domain"
)

type resultItem struct {
	ID     string   `json:"id"`
	TaskID string   `json:"task_id"`
	Type   string   `json:"type"`
	Status string   `json:"status"`
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
}

// ResultsList handles GET /v1/results: the user's artifacts, newest first,
// served from the denormalized result rows without touching tasks.
func (a *App) ResultsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	results, err := a.Results.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("result list failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list results")
		return
	}

	items := make([]resultItem, 0, len(results))
	for _, res := range results {
		items = append(items, resultItem{
			ID:     res.ID,
			TaskID: res.TaskID,
			Type:   string(res.Type),
			Status: string(res.Status),
			Images: res.Images,
			Error:  res.ErrorMessage,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"results": items})
}

// ResultsDelete handles DELETE /v1/results/{id}. The task row stays for
// history; only the user-visible artifact goes away.
func (a *App) ResultsDelete(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")

	if err := a.Results.Delete(r.Context(), id, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "result not found")
			return
		}
		a.Logger.Error().Err(err).Str("result_id", id).Msg("result delete failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to delete result")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"deleted": id})
}
