package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/decision"
	"github.com/pitabwire/docket/internal/jobs"
	"github.com/pitabwire/docket/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Auth      *Authenticator
	Jobs      *jobs.Manager
	Sessions  *decision.Registry
	Decisions *decision.Channel
	Readiness observability.ReadinessChecks

	// MetricsHandler serves /metrics. Defaults to the global registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Login, health, readiness, and metrics endpoints bypass
// the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := deps.Auth
	if auth == nil {
		auth = NewAuthenticator(deps.Config.Auth)
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health and the
	// WebSocket, none of which may wrap the response writer.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(WithLogger(logger))

	// Public routes.
	r.Get("/health", observability.HandleHealth(deps.Jobs.ActiveCount))
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}
	r.With(RequestLogging(logger), deps.Metrics.MetricsMiddleware).
		Post("/api/auth/login", handleLogin(auth))

	// Operator channel. Browsers can't set headers on a WebSocket upgrade,
	// so the token may arrive as a query parameter.
	r.With(auth.Middleware, BuildRequestContext).
		Get("/ws/{sessionId}", handleOperatorSocket(deps.Sessions, deps.Decisions, deps.Config.Server.CORS.AllowedOrigins, logger))

	// Authenticated API.
	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth.Middleware)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Get("/api/auth/status", handleAuthStatus(auth))

		r.Get("/api/settings", handleSettingsGet(deps.Jobs))
		r.Put("/api/settings", handleSettingsUpdate(deps.Jobs))

		r.Post("/api/jobs", handleJobCreate(deps.Jobs))
		r.Get("/api/jobs", handleJobList(deps.Jobs))
		r.Get("/api/jobs/{jobId}", handleJobGet(deps.Jobs))
		r.Delete("/api/jobs/{jobId}", handleJobDelete(deps.Jobs))
		r.Get("/api/jobs/{jobId}/results", handleJobResults(deps.Jobs))
		r.Get("/api/jobs/{jobId}/transitions", handleJobTransitions(deps.Jobs))
		r.Post("/api/jobs/{jobId}/cancel", handleJobCancel(deps.Jobs))
	})

	return r
}
