package aggregator

import (
	"encoding/json"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/events"
)

// Record is a raw event as stored by the collector.
type Record struct {
	ID         string            `json:"id"`
	EventType  string            `json:"eventType"`
	OwnerID    string            `json:"ownerId"`
	AppID      string            `json:"appId"`
	UserID     string            `json:"userId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Data       json.RawMessage   `json:"data"`
	Timestamp  time.Time         `json:"timestamp"`
	ReceivedAt time.Time         `json:"receivedAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// NewRecord builds a record from a decoded envelope. The record expires
// retention after receivedAt whether or not it has been aggregated.
func NewRecord(env events.Envelope, ev events.Event, receivedAt time.Time, retention time.Duration) Record {
	scope := ev.Scope()
	return Record{
		ID:         env.ID,
		EventType:  env.EventType,
		OwnerID:    scope.OwnerID,
		AppID:      scope.AppID,
		UserID:     scope.UserID,
		Metadata:   scope.Metadata,
		Data:       env.Data,
		Timestamp:  env.Timestamp.UTC(),
		ReceivedAt: receivedAt.UTC(),
		ExpiresAt:  receivedAt.UTC().Add(retention),
	}
}

// Envelope rebuilds the envelope the record was stored from.
func (r Record) Envelope() events.Envelope {
	return events.Envelope{
		ID:        r.ID,
		EventType: r.EventType,
		Data:      r.Data,
		Timestamp: r.Timestamp,
	}
}
