package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"studio-server/internal/http/handlers"
	"studio-server/internal/middleware"
)

// NewRouter assembles the API routes over the handler container.
func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", app.TasksCreate)
		r.Get("/{id}", app.TasksGet)
		r.Post("/{id}/cancel", app.TasksCancel)
	})

	r.Route("/v1/results", func(r chi.Router) {
		r.Get("/", app.ResultsList)
		r.Delete("/{id}", app.ResultsDelete)
	})

	return r
}
