package events

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// Event types grouped by payload shape.
var (
	DocumentTypes = []string{
		messaging.KeyDatabaseDocumentCreated,
		messaging.KeyDatabaseDocumentUpdated,
		messaging.KeyDatabaseDocumentDeleted,
		messaging.KeyRealtimeDocumentCreated,
		messaging.KeyRealtimeDocumentUpdated,
		messaging.KeyRealtimeDocumentDeleted,
	}
	FileTypes = []string{
		messaging.KeyStorageFileUploaded,
		messaging.KeyStorageFileDeleted,
	}
	AuthTypes = []string{
		messaging.KeyAuthUserSignedUp,
		messaging.KeyAuthUserLoggedIn,
		messaging.KeyAuthUserLoggedOut,
		messaging.KeyAuthUserLoginFailed,
	}
	AppTypes = []string{
		messaging.KeyAppApplicationCreated,
		messaging.KeyAppApplicationDeleted,
	}
)

func init() {
	register(func(_ string, data json.RawMessage) (Event, error) {
		return decodeInto(data, &APIRequestCompleted{})
	}, messaging.KeyAPIRequestCompleted)

	register(func(t string, data json.RawMessage) (Event, error) {
		return decodeInto(data, &DocumentEvent{Type: t})
	}, DocumentTypes...)

	register(func(t string, data json.RawMessage) (Event, error) {
		return decodeInto(data, &FileEvent{Type: t})
	}, FileTypes...)

	register(func(t string, data json.RawMessage) (Event, error) {
		return decodeInto(data, &AuthEvent{Type: t})
	}, AuthTypes...)

	register(func(t string, data json.RawMessage) (Event, error) {
		return decodeInto(data, &AppEvent{Type: t})
	}, AppTypes...)
}

// APIRequestCompleted is emitted by the gateway after each API call.
type APIRequestCompleted struct {
	Context
	Endpoint   string  `json:"endpoint"`
	Method     string  `json:"method"`
	Status     int     `json:"status"`
	DurationMs float64 `json:"durationMs"`
}

func (e *APIRequestCompleted) EventType() string { return messaging.KeyAPIRequestCompleted }

func (e *APIRequestCompleted) Validate() error {
	if err := e.Context.validate(); err != nil {
		return err
	}
	if e.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidPayload)
	}
	if e.DurationMs < 0 {
		return fmt.Errorf("%w: durationMs must be non-negative", ErrInvalidPayload)
	}
	return nil
}

// DocumentEvent is a create, update or delete of a stored document, in
// either the database or the realtime document store.
type DocumentEvent struct {
	Context
	Type       string `json:"-"`
	Collection string `json:"collection"`
	DocumentID string `json:"documentId"`
}

// NewDocumentEvent builds a document event for one of DocumentTypes.
func NewDocumentEvent(eventType string, c Context, collection, documentID string) *DocumentEvent {
	return &DocumentEvent{Context: c, Type: eventType, Collection: collection, DocumentID: documentID}
}

func (e *DocumentEvent) EventType() string { return e.Type }

func (e *DocumentEvent) Validate() error {
	if !slices.Contains(DocumentTypes, e.Type) {
		return fmt.Errorf("%w: %q is not a document event", ErrInvalidPayload, e.Type)
	}
	if err := e.Context.validate(); err != nil {
		return err
	}
	if e.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidPayload)
	}
	if e.DocumentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}
	return nil
}

// FileEvent is an upload or deletion in file storage. Size is in bytes.
type FileEvent struct {
	Context
	Type   string `json:"-"`
	FileID string `json:"fileId"`
	Size   int64  `json:"size"`
}

func (e *FileEvent) EventType() string { return e.Type }

func (e *FileEvent) Validate() error {
	if !slices.Contains(FileTypes, e.Type) {
		return fmt.Errorf("%w: %q is not a file event", ErrInvalidPayload, e.Type)
	}
	if err := e.Context.validate(); err != nil {
		return err
	}
	if e.FileID == "" {
		return fmt.Errorf("%w: fileId is required", ErrInvalidPayload)
	}
	if e.Size < 0 {
		return fmt.Errorf("%w: size must be non-negative", ErrInvalidPayload)
	}
	return nil
}

// AuthEvent is an end-user identity event. UserID in the context may be
// empty for failed logins.
type AuthEvent struct {
	Context
	Type string `json:"-"`
}

func (e *AuthEvent) EventType() string { return e.Type }

func (e *AuthEvent) Validate() error {
	if !slices.Contains(AuthTypes, e.Type) {
		return fmt.Errorf("%w: %q is not an auth event", ErrInvalidPayload, e.Type)
	}
	if err := e.Context.validate(); err != nil {
		return err
	}
	if e.UserID == "" && e.Type != messaging.KeyAuthUserLoginFailed {
		return fmt.Errorf("%w: userId is required", ErrInvalidPayload)
	}
	return nil
}

// AppEvent is an application registry change.
type AppEvent struct {
	Context
	Type    string `json:"-"`
	AppName string `json:"appName"`
}

func (e *AppEvent) EventType() string { return e.Type }

func (e *AppEvent) Validate() error {
	if !slices.Contains(AppTypes, e.Type) {
		return fmt.Errorf("%w: %q is not an application event", ErrInvalidPayload, e.Type)
	}
	return e.Context.validate()
}
