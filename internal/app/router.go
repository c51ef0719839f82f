package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/trustcore/internal/audit/http"
	"github.com/odyssey-erp/trustcore/internal/observability"
	"github.com/odyssey-erp/trustcore/internal/platform/httpx"
	"github.com/odyssey-erp/trustcore/internal/rbac"
	securityhttp "github.com/odyssey-erp/trustcore/internal/security/http"
	"github.com/odyssey-erp/trustcore/internal/shared"
	"github.com/odyssey-erp/trustcore/jobs"
)

// ReadinessCheck reports whether a backing service is reachable.
type ReadinessCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	RBACHandler     *rbac.Handler
	AuditHandler    *audithttp.Handler
	SecurityHandler *securityhttp.Handler
	JobHandler      *jobs.Handler
	RBACMiddleware  rbac.Middleware
	Metrics         *observability.Metrics
	Readiness       map[string]ReadinessCheck
}

// NewRouter constructs the chi.Router with trustcore defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(logger, params.Readiness))

	if params.RBACHandler != nil {
		r.Route("/rbac", params.RBACHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/audit", params.AuditHandler.MountRoutes)
	}
	if params.SecurityHandler != nil {
		r.Route("/security", params.SecurityHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireAny(shared.PermAuditManage, shared.PermSecurityView))
			params.JobHandler.MountRoutes(r)
		})
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "")
	})

	return r
}

func readinessHandler(logger *slog.Logger, checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("dependency", name), slog.Any("error", err))
				results[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httpx.JSON(w, status, results)
	}
}
