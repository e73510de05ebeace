package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"experiment-deployer/internal/observability"
)

// deployTimeout bounds one synchronous deployment request.
const deployTimeout = 2 * time.Minute

func Router(h *DeploymentHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(middleware.Timeout(deployTimeout)).Post("/v1/deployments", h.Create)
	r.Get("/v1/deployments", h.List)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
