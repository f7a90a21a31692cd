package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/handlers"
	"github.com/nimbus-baas/nimbus-stack/common/middleware"
)

// NewRouter constructs a ServeMux with the analytics API routes registered.
func NewRouter(h *handlers.Handler, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/usage", h.GetUsage)
	mux.HandleFunc("GET /api/v1/rollups", h.ListRollups)

	// Manual trigger, for backfills and operators
	mux.HandleFunc("POST /api/v1/aggregations/{period}/run", h.RunAggregation)

	var handler http.Handler = mux
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.AccessLog(log)(handler)
	return middleware.RequestID(handler)
}
