// Package eventbus publishes and consumes enveloped domain events over a
// messaging.Transport.
//
// Publishing is fire-and-forget: a nil error means the broker accepted the
// message, not that any subscriber handled it. Subscribers get at-least-once
// delivery with redelivery on handler error, bounded by a dead-letter cap.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// Envelope is the unit published on the bus.
type Envelope = events.Envelope

// Handler processes one envelope. Returning an error requeues it, unless the
// error wraps ErrPermanent.
type Handler func(ctx context.Context, env Envelope) error

// ErrPermanent marks a handler error that redelivery cannot fix. The message
// is dead-lettered on the first attempt.
var ErrPermanent = errors.New("eventbus: permanent failure")

// Permanent wraps err so the subscriber dead-letters instead of requeueing.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

const (
	// DefaultMaxAttempts bounds redelivery before a message is dead-lettered.
	DefaultMaxAttempts = 10

	// DefaultRetryInterval is the wait between subscription setup attempts.
	DefaultRetryInterval = 5 * time.Second
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithSource sets the service name stamped into the x-source-service header.
func WithSource(service string) Option {
	return func(b *Bus) { b.source = service }
}

// WithMaxAttempts sets how many deliveries a failing message gets before it
// is dead-lettered. Zero disables the cap and retries forever.
func WithMaxAttempts(n int) Option {
	return func(b *Bus) { b.maxAttempts = n }
}

// WithRetryInterval sets the wait between subscription setup attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Bus) { b.retryInterval = d }
}

// Bus is an event bus client bound to one transport.
type Bus struct {
	transport     messaging.Transport
	log           *slog.Logger
	source        string
	maxAttempts   int
	retryInterval time.Duration

	mu   sync.Mutex
	subs []*Subscription
}

// New creates a bus on transport.
func New(transport messaging.Transport, opts ...Option) *Bus {
	b := &Bus{
		transport:     transport,
		log:           slog.Default(),
		maxAttempts:   DefaultMaxAttempts,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.retryInterval <= 0 {
		b.retryInterval = DefaultRetryInterval
	}
	if b.maxAttempts < 0 {
		b.maxAttempts = 0
	}
	return b
}

// Publish wraps payload in a fresh envelope, routed by eventType.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	if err := messaging.ValidateRoutingKey(eventType); err != nil {
		return err
	}
	env, err := events.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return b.PublishEnvelope(ctx, env)
}

// PublishEvent validates a typed payload and publishes it.
func (b *Bus) PublishEvent(ctx context.Context, ev events.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return b.Publish(ctx, ev.EventType(), ev)
}

// PublishEnvelope publishes an already-built envelope. Failures are logged
// and returned; nothing is queued locally for a later retry.
func (b *Bus) PublishEnvelope(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &messaging.Message{
		RoutingKey: env.EventType,
		Data:       data,
		MessageID:  env.ID,
		Timestamp:  env.Timestamp,
		Persistent: true,
	}
	msg.SetHeader(messaging.HeaderEventType, env.EventType)
	if b.source != "" {
		msg.SetHeader(messaging.HeaderSource, b.source)
	}

	if err := b.transport.Publish(ctx, msg); err != nil {
		publishFailures.WithLabelValues(env.EventType).Inc()
		b.log.Warn("event publish failed",
			logging.EventType(env.EventType),
			logging.EventID(env.ID),
			logging.Error(err))
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}

	published.WithLabelValues(env.EventType).Inc()
	b.log.Debug("event published",
		logging.EventType(env.EventType),
		logging.EventID(env.ID))
	return nil
}

// Close unsubscribes every subscription created by this bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (b *Bus) track(s *Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}
