package handlers

import (
	"encoding/json"
	"net/http"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
	"studio-server/internal/pipeline"
)

// App is the handler container: every route is a method on it and every
// dependency is injected at construction, owned by the process entry point.
type App struct {
	Dispatcher *pipeline.Dispatcher
	Tasks      domain.TaskRepository
	Results    domain.ResultRepository
	Ledger     domain.CreditLedger
	Logger     infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

// currentUserID returns the caller identity forwarded by the authenticating
// gateway. Authentication itself is out of this service's scope.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
