package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/directory"
	"github.com/provisio-io/provisio/internal/observability"
	"github.com/provisio-io/provisio/internal/provisioning"
	"github.com/provisio-io/provisio/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	ProvisioningHandler *provisioning.Handler
	DirectoryHandler    *directory.Handler
	AuthzHandler        *authz.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with Provisio defaults.
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
	if params.Config != nil && params.Config.AppRequestTimeout > 0 {
		r.Use(chimw.Timeout(params.Config.AppRequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.ProvisioningHandler != nil {
			r.Route("/provisioning", params.ProvisioningHandler.MountRoutes)
		}
		if params.DirectoryHandler != nil {
			r.Route("/directory", params.DirectoryHandler.MountRoutes)
		}
		if params.AuthzHandler != nil {
			r.Route("/authz", params.AuthzHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
