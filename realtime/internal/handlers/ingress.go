package handlers

import (
	"errors"
	"net/http"

	"github.com/nimbus-baas/nimbus-stack/common/httputil"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/metrics"
)

// InternalEvents handles POST /internal/events, the cross-service push. It
// needs only the shared token, no user context.
func (h *Handler) InternalEvents(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		metrics.IngressRequests.WithLabelValues("forbidden").Inc()
		httputil.WriteErrorCode(w, http.StatusForbidden, "forbidden", "invalid internal token")
		return
	}

	var ev models.FanoutEvent
	if err := httputil.DecodeJSON(w, r, &ev, h.maxBody); err != nil {
		metrics.IngressRequests.WithLabelValues("invalid").Inc()
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if _, err := h.hub.Broadcast(ev); err != nil {
		if errors.Is(err, models.ErrMissingAppID) || errors.Is(err, models.ErrInvalidChangeType) {
			metrics.IngressRequests.WithLabelValues("invalid").Inc()
			httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_event", err.Error())
			return
		}
		metrics.IngressRequests.WithLabelValues("error").Inc()
		h.log.ErrorContext(r.Context(), "broadcast failed", logging.AppID(ev.AppID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}

	metrics.IngressRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}
