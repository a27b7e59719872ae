package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tesfayekb/core-base/internal/authz"
	"github.com/tesfayekb/core-base/internal/grants"
	"github.com/tesfayekb/core-base/internal/observability"
	"github.com/tesfayekb/core-base/internal/tenant"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	AuthzHandler  *authz.Handler
	GrantsHandler *grants.Handler
	TenantHandler *tenant.Handler
	Require       authz.Middleware
	Metrics       *observability.Metrics
}

// NewRouter constructs the chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// Tenant lifecycle sits outside the tenant-scoped tree.
	if params.TenantHandler != nil {
		r.Route("/api/tenants", params.TenantHandler.MountRoutes)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(tenant.Middleware)

		r.Route("/authz", func(r chi.Router) {
			params.AuthzHandler.MountRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(params.Require.Require(grants.ActionManage, "roles"))
			params.GrantsHandler.MountRoutes(r)
		})
	})

	return r
}
