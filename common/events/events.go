// Package events defines the envelope carried on the Nimbus event bus and the
// typed payloads for every known event type.
//
// Producers build payloads with the constructors below; consumers call Decode
// to get back the concrete type for an envelope's eventType. Unknown types and
// payloads that fail validation are rejected at this boundary.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEventType is returned by Decode for event types with no registered payload.
	ErrUnknownEventType = errors.New("events: unknown event type")

	// ErrInvalidPayload is returned when a payload fails validation.
	ErrInvalidPayload = errors.New("events: invalid payload")
)

// Envelope is the unit published on the bus. It is immutable once published.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope wraps payload with a fresh UUIDv7 id and the current UTC time.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("generate event id: %w", err)
	}
	return Envelope{
		ID:        id.String(),
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Validate checks the envelope carries an id, a type and a timestamp.
func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("events: envelope id is required")
	case e.EventType == "":
		return errors.New("events: envelope eventType is required")
	case e.Timestamp.IsZero():
		return errors.New("events: envelope timestamp is required")
	}
	return nil
}

// Context identifies who an event belongs to. Every payload embeds it.
type Context struct {
	OwnerID  string            `json:"ownerId"`
	AppID    string            `json:"appId"`
	UserID   string            `json:"userId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Scope returns the event context.
func (c Context) Scope() Context { return c }

func (c Context) validate() error {
	if c.OwnerID == "" {
		return fmt.Errorf("%w: ownerId is required", ErrInvalidPayload)
	}
	if c.AppID == "" {
		return fmt.Errorf("%w: appId is required", ErrInvalidPayload)
	}
	return nil
}

// Event is a typed payload for one event type.
type Event interface {
	EventType() string
	Scope() Context
	Validate() error
}

type decoder func(eventType string, data json.RawMessage) (Event, error)

var registry = map[string]decoder{}

func register(d decoder, types ...string) {
	for _, t := range types {
		registry[t] = d
	}
}

// Known reports whether eventType has a registered payload.
func Known(eventType string) bool {
	_, ok := registry[eventType]
	return ok
}

// Decode returns the typed payload carried by env.
func Decode(env Envelope) (Event, error) {
	dec, ok := registry[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	ev, err := dec(env.EventType, env.Data)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeInto[T Event](data json.RawMessage, v T) (T, error) {
	if err := json.Unmarshal(data, v); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

// Domain returns the first segment of an event type ("database" for
// "database.document.created").
func Domain(eventType string) string {
	d, _, _ := strings.Cut(eventType, ".")
	return d
}

// Action returns the last segment of an event type ("created" for
// "database.document.created").
func Action(eventType string) string {
	if i := strings.LastIndexByte(eventType, '.'); i >= 0 {
		return eventType[i+1:]
	}
	return eventType
}
