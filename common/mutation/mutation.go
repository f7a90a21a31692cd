// Package mutation is the single call a document-storage service makes after
// a write: it publishes the domain event for analytics and separately pushes
// the fan-out event so connected clients see the change immediately.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/notify"
)

// Domain selects which document store produced the mutation.
type Domain string

const (
	DomainDatabase Domain = "database"
	DomainRealtime Domain = "realtime"
)

// ErrInvalidMutation is returned for a mutation that cannot be emitted.
var ErrInvalidMutation = errors.New("invalid mutation")

// Publisher publishes typed domain events. *eventbus.Bus implements it.
type Publisher interface {
	PublishEvent(ctx context.Context, ev events.Event) error
}

// Mutation describes one document write.
type Mutation struct {
	Domain     Domain
	Context    events.Context
	Collection string
	DocumentID string
	Type       models.ChangeType
	Data       json.RawMessage
}

// EventType returns the routing key of the domain event, e.g. database.document.created.
func (m Mutation) EventType() (string, error) {
	if m.Domain != DomainDatabase && m.Domain != DomainRealtime {
		return "", fmt.Errorf("%w: unknown domain %q", ErrInvalidMutation, m.Domain)
	}
	var action string
	switch m.Type {
	case models.ChangeCreate:
		action = "created"
	case models.ChangeUpdate:
		action = "updated"
	case models.ChangeDelete:
		action = "deleted"
	default:
		return "", fmt.Errorf("%w: %w", ErrInvalidMutation, models.ErrInvalidChangeType)
	}
	return string(m.Domain) + ".document." + action, nil
}

// Result reports which legs of an emit succeeded.
type Result struct {
	EventType string
	Published bool
	Notified  bool
}

// Emitter fans a mutation out to the event bus and the realtime notifier.
type Emitter struct {
	bus      Publisher
	notifier notify.Notifier
	log      *slog.Logger
	now      func() time.Time
}

// NewEmitter creates an emitter. A nil notifier disables realtime pushes.
func NewEmitter(bus Publisher, notifier notify.Notifier, log *slog.Logger) *Emitter {
	if notifier == nil {
		notifier = notify.Nop
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		bus:      bus,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Emit publishes the domain event and pushes the fan-out event. Broker and
// realtime failures are logged and reflected in the Result; they never fail
// the mutation. The returned error is non-nil only for an invalid mutation.
func (e *Emitter) Emit(ctx context.Context, m Mutation) (Result, error) {
	eventType, err := m.EventType()
	if err != nil {
		return Result{}, err
	}
	ev := events.NewDocumentEvent(eventType, m.Context, m.Collection, m.DocumentID)
	if err := ev.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidMutation, err)
	}

	res := Result{EventType: eventType}
	log := e.log.With(
		logging.EventType(eventType),
		logging.AppID(m.Context.AppID))

	if e.bus != nil {
		if err := e.bus.PublishEvent(ctx, ev); err != nil {
			log.Warn("domain event not published", logging.Error(err))
		} else {
			res.Published = true
		}
	}

	fan := models.FanoutEvent{
		AppID:      m.Context.AppID,
		Collection: m.Collection,
		Type:       m.Type,
		DocumentID: m.DocumentID,
		Data:       m.Data,
		Timestamp:  e.now(),
	}
	if err := e.notifier.Notify(ctx, fan); err != nil {
		log.Warn("realtime notification not delivered", logging.Error(err))
	} else {
		res.Notified = true
	}

	return res, nil
}
