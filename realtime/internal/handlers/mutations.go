package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/httputil"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/mutation"
)

// MutationRequest is the body of POST /api/v1/mutations.
type MutationRequest struct {
	OwnerID    string            `json:"ownerId"`
	AppID      string            `json:"appId"`
	UserID     string            `json:"userId,omitempty"`
	Collection string            `json:"collection"`
	DocumentID string            `json:"documentId"`
	Type       models.ChangeType `json:"type"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

// ApplyMutation handles POST /api/v1/mutations: a realtime-document write
// made by this service. The domain event goes to the bus and the fan-out
// event is broadcast to local clients before the response is written.
func (h *Handler) ApplyMutation(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		httputil.WriteErrorCode(w, http.StatusForbidden, "forbidden", "invalid internal token")
		return
	}

	var req MutationRequest
	if err := httputil.DecodeJSON(w, r, &req, h.maxBody); err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.emitter.Emit(r.Context(), mutation.Mutation{
		Domain: mutation.DomainRealtime,
		Context: events.Context{
			OwnerID: req.OwnerID,
			AppID:   req.AppID,
			UserID:  req.UserID,
			Metadata: map[string]string{
				"ip":         httputil.GetClientIP(r),
				"user_agent": r.UserAgent(),
			},
		},
		Collection: req.Collection,
		DocumentID: req.DocumentID,
		Type:       req.Type,
		Data:       req.Data,
	})
	if err != nil {
		if errors.Is(err, mutation.ErrInvalidMutation) {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_mutation", err.Error())
			return
		}
		h.log.ErrorContext(r.Context(), "mutation emit failed", logging.AppID(req.AppID), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "mutation failed")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"eventType": res.EventType,
		"published": res.Published,
		"notified":  res.Notified,
	})
}
