package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/dispatch"
	"github.com/switchyardhq/switchyard/internal/evaluation"
	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/flow"
	"github.com/switchyardhq/switchyard/internal/health"
	"github.com/switchyardhq/switchyard/internal/routing"
	"github.com/switchyardhq/switchyard/internal/store"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Store       store.Store
	Coordinator *dispatch.Coordinator
	Evaluations *evaluation.Engine
	Experiments *experiment.Engine
	Flows       *flow.Checker
	Directory   directory.Client
	Health      *health.Tracker
	Router      *routing.Engine
	AdminToken  string
	Logger      *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(RequestLogger(d.Logger))
	r.Use(RateLimitMiddleware(120))

	tasks := NewTasksHandler(d.Coordinator)
	evals := NewEvaluationsHandler(d.Evaluations)
	exps := NewExperimentsHandler(d.Experiments)
	flows := NewFlowsHandler(d.Flows)
	admin := NewAdminHandler(d.Store, d.Directory, d.Health, d.Router)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", tasks.Create)
		r.Get("/tasks", tasks.List)
		r.Get("/tasks/{id}", tasks.Get)
		r.Post("/tasks/{id}/cancel", tasks.Cancel)

		r.Post("/evaluations", evals.Create)
		r.Post("/evaluations/batch", evals.CreateBatch)
		r.Get("/evaluations", evals.List)
		r.Get("/evaluations/templates", evals.Templates)
		r.Get("/evaluations/{id}", evals.Get)

		r.Post("/experiments", exps.Create)
		r.Get("/experiments", exps.List)
		r.Get("/experiments/{id}", exps.Get)
		r.Post("/experiments/{id}/assign", exps.Assign)
		r.Get("/experiments/{id}/results", exps.Results)
		r.Post("/experiments/{id}/stop", exps.Stop)

		r.Post("/flows/check", flows.Check)
		r.Get("/flows/{task_id}", flows.Get)

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(d.AdminToken))
			r.Get("/stats", admin.Stats)
			r.Get("/agents", admin.Agents)
			r.Get("/agents/breakers", admin.Breakers)
			r.Post("/agents/{id}/drain", admin.Drain)
			r.Post("/agents/{id}/undrain", admin.Undrain)
		})
	})

	return r
}

func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
