package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nimbus-baas/nimbus-stack/common/httputil"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/middleware"
	"github.com/nimbus-baas/nimbus-stack/common/mutation"
	"github.com/nimbus-baas/nimbus-stack/common/notify"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/hub"
)

// Emitter is the mutation fan-out used by the local mutation endpoint.
type Emitter interface {
	Emit(ctx context.Context, m mutation.Mutation) (mutation.Result, error)
}

// Options tunes the handler. Zero values select the defaults.
type Options struct {
	Token          string
	AllowedOrigins []string
	ReadLimit      int64
	MaxBodyBytes   int64
}

type Handler struct {
	hub       *hub.Hub
	emitter   Emitter
	transport messaging.Transport
	token     []byte
	readLimit int64
	maxBody   int64
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

func NewHandler(h *hub.Hub, emitter Emitter, transport messaging.Transport, opts Options, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	origins := opts.AllowedOrigins
	return &Handler{
		hub:       h,
		emitter:   emitter,
		transport: transport,
		token:     []byte(opts.Token),
		readLimit: opts.ReadLimit,
		maxBody:   opts.MaxBodyBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(origins) == 0 || origin == "" {
					return true
				}
				return middleware.OriginAllowed(origins, origin)
			},
		},
		log: log,
	}
}

// authorized compares the x-internal-token header in constant time. An
// unset token rejects everything.
func (h *Handler) authorized(r *http.Request) bool {
	got := r.Header.Get(notify.TokenHeader)
	if len(h.token) == 0 || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), h.token) == 1
}

// HealthCheck handles GET /healthz. Clients stay connected through a broker
// outage, so the broker only degrades the status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	broker := messaging.CheckHealth(r.Context(), h.transport)
	status := "healthy"
	if !broker.Connected {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"broker":  broker,
		"clients": h.hub.ClientCount(),
	})
}
