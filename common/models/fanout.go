// Package models holds the wire contracts shared between services: realtime
// fan-out events and the stats RPC request/response shapes.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ChangeType is the kind of document mutation carried by a FanoutEvent.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

var (
	ErrMissingAppID      = errors.New("appId is required")
	ErrInvalidChangeType = errors.New("type must be one of create, update, delete")
)

// FanoutEvent is a mutation notification broadcast to realtime rooms. It is
// always sent to the app room, and also to the collection room when
// Collection is set.
type FanoutEvent struct {
	AppID      string          `json:"appId"`
	Collection string          `json:"collection,omitempty"`
	Type       ChangeType      `json:"type"`
	DocumentID string          `json:"documentId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks the required fields.
func (e *FanoutEvent) Validate() error {
	if e.AppID == "" {
		return ErrMissingAppID
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChangeType, e.Type)
	}
	return nil
}

// ChangeTypeForAction maps an event action (created, updated, deleted) to a ChangeType.
func ChangeTypeForAction(action string) (ChangeType, bool) {
	switch action {
	case "created":
		return ChangeCreate, true
	case "updated":
		return ChangeUpdate, true
	case "deleted":
		return ChangeDelete, true
	}
	return "", false
}
