// Package api assembles the epd-api HTTP router.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-epd/internal/analysis"
	"github.com/drfirst/go-epd/internal/api/handlers"
	"github.com/drfirst/go-epd/internal/api/middleware"
	"github.com/drfirst/go-epd/internal/observability/metrics"
	"github.com/drfirst/go-epd/pkg/circuitbreaker"
)

// ServiceName identifies the API in logs, traces and /health.
const ServiceName = "epd-api"

// Deps are the collaborators the router serves.
type Deps struct {
	Analyzer handlers.Analyzer
	Defaults analysis.Params
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Ready reports whether the portal and report brokers can be used.
	Ready func(ctx context.Context) error
	// Portal snapshots the portal circuit breaker for /health.
	Portal  func() circuitbreaker.HealthStatus
	APIKeys map[string]string
	Logger  *zap.Logger
}

// NewRouter returns the epd-api handler.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(ServiceName))
	if d.Metrics != nil {
		r.Use(middleware.Metrics(d.Metrics))
	}

	r.Get("/health", healthHandler(d.Portal))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				middleware.JSONError(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	quantities := handlers.NewQuantityHandler(d.Analyzer, d.Defaults, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/quantities", quantities.Routes())
	})

	return r
}

func healthHandler(portal func() circuitbreaker.HealthStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":  "healthy",
			"service": ServiceName,
			"version": "1.0.0",
		}
		if portal != nil {
			body["portal"] = portal()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
