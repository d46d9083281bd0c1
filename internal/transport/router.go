package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/approval"
	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/observability"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Engine       *approval.Engine
	Templates    catalog.Lister
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
}

// NewRouter creates the chi router with the full middleware pipeline. Health,
// readiness and metrics endpoints bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Metrics != nil && deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	adminRole := deps.Config.Server.AdminRole

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ContextLogger(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/approvals", handleSubmit(deps.Engine))
		r.Get("/approvals/mine", handleListMine(deps.Engine))
		r.Get("/approvals/awaiting", handleListAwaiting(deps.Engine))
		r.Get("/approvals/{requestId}", handleGet(deps.Engine, adminRole))
		r.Get("/approvals/{requestId}/history", handleHistory(deps.Engine, adminRole))
		r.Post("/approvals/{requestId}/approve", handleApprove(deps.Engine))
		r.Post("/approvals/{requestId}/reject", handleReject(deps.Engine))
		r.Post("/approvals/{requestId}/cancel", handleCancel(deps.Engine, adminRole))

		if deps.Templates != nil {
			r.Get("/templates", handleListTemplates(deps.Templates))
		}
	})

	return r
}
