package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbus-baas/nimbus-stack/common/middleware"
	"github.com/nimbus-baas/nimbus-stack/common/notify"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/handlers"
)

// NewRouter constructs a ServeMux with the realtime routes registered.
func NewRouter(h *handlers.Handler, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Client sockets
	mux.HandleFunc("GET /realtime", h.ServeWS)

	// Trusted service-to-service ingress, token-guarded
	mux.HandleFunc("POST "+notify.IngressPath, h.InternalEvents)
	mux.HandleFunc("POST /api/v1/mutations", h.ApplyMutation)

	return middleware.RequestID(middleware.AccessLog(log)(mux))
}
