package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gestia/tramite/internal/config"
	"github.com/gestia/tramite/internal/directory"
	"github.com/gestia/tramite/internal/idempotency"
	"github.com/gestia/tramite/internal/observability"
	"github.com/gestia/tramite/internal/procedure"
	"github.com/gestia/tramite/internal/work"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config           *config.Config
	Authenticate     func(http.Handler) http.Handler
	Directory        directory.ActorDirectory
	Templates        *procedure.Service
	Engine           *work.Engine
	IdempotencyStore idempotency.Store
	Metrics          *observability.Metrics
	Readiness        observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	// Authenticated routes.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	idem := Idempotency(deps.IdempotencyStore, deps.Config.Idempotency.DefaultTTL)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Directory))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(observability.TracingMiddleware)
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		// Procedure templates.
		r.Get("/templates", handleTemplateList(deps.Templates))
		r.Post("/templates", handleTemplateCreate(deps.Templates))
		r.Get("/templates/{templateId}", handleTemplateGet(deps.Templates))
		r.Put("/templates/{templateId}", handleTemplateUpdate(deps.Templates))
		r.Delete("/templates/{templateId}", handleTemplateDelete(deps.Templates))
		r.Post("/templates/{templateId}/versions", handleTemplateNewVersion(deps.Templates))
		r.Get("/templates/{templateId}/history", handleTemplateHistory(deps.Templates))
		r.Get("/templates/{templateId}/chain", handleTemplateChain(deps.Templates))
		r.Get("/templates/{templateId}/steps", handleStepList(deps.Templates))
		r.Post("/templates/{templateId}/steps", handleStepAdd(deps.Templates))
		r.Put("/steps/{stepId}", handleStepUpdate(deps.Templates))
		r.Delete("/steps/{stepId}", handleStepDelete(deps.Templates))

		// Work instances.
		r.With(idem).Post("/works", handleWorkCreate(deps.Engine))
		r.Get("/works", handleWorkList(deps.Engine))
		r.Get("/works/{workId}", handleWorkGet(deps.Engine))
		r.Post("/works/{workId}/complete", handleWorkComplete(deps.Engine))
		r.Post("/works/{workId}/cancel", handleWorkCancel(deps.Engine))
		r.Post("/works/{workId}/pause", handleWorkPause(deps.Engine))
		r.Post("/works/{workId}/resume", handleWorkResume(deps.Engine))

		// Step instances.
		r.Post("/step-instances/{stepInstanceId}/start", handleStepStart(deps.Engine))
		r.With(idem).Post("/step-instances/{stepInstanceId}/complete", handleStepComplete(deps.Engine))

		// Deadline alerts.
		r.Get("/alerts", handleAlerts(deps.Engine))
	})

	return r
}
