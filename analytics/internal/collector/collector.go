// Package collector records every domain event the analytics service cares
// about as a raw event row, one message at a time.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nimbus-baas/nimbus-stack/analytics/internal/aggregator"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/metrics"
	"github.com/nimbus-baas/nimbus-stack/analytics/internal/repository"
	"github.com/nimbus-baas/nimbus-stack/common/eventbus"
	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// Patterns are the event domains the collector binds.
var Patterns = []string{"api.#", "database.#", "realtime.#", "storage.#", "auth.#", "app.#"}

// Collector subscribes to the event bus and stores raw events.
type Collector struct {
	bus       *eventbus.Bus
	repo      repository.Repository
	retention time.Duration
	clock     clock.Clock
	log       *slog.Logger

	sub *eventbus.Subscription
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock sets the clock used to stamp received_at.
func WithClock(c clock.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(col *Collector) { col.log = l }
}

// New creates a collector. Stored events expire retention after receipt.
func New(bus *eventbus.Bus, repo repository.Repository, retention time.Duration, opts ...Option) *Collector {
	c := &Collector{
		bus:       bus,
		repo:      repo,
		retention: retention,
		clock:     clock.New(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes the analytics.events queue. Setup keeps retrying in the
// background while the broker is unavailable.
func (c *Collector) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, messaging.QueueAnalyticsEvents, Patterns, c.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.QueueAnalyticsEvents, err)
	}
	c.sub = sub
	return nil
}

// Ready is closed once the subscription is consuming.
func (c *Collector) Ready() <-chan struct{} {
	return c.sub.Ready()
}

// Stop detaches the consumer. The durable queue keeps buffering.
func (c *Collector) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Unsubscribe()
}

// Handle stores one envelope. Unknown or invalid payloads are permanent
// failures; storage errors are retried by redelivery.
func (c *Collector) Handle(ctx context.Context, env eventbus.Envelope) error {
	ev, err := events.Decode(env)
	if err != nil {
		reason := "invalid_payload"
		if errors.Is(err, events.ErrUnknownEventType) {
			reason = "unknown_type"
		}
		metrics.CollectErrors.WithLabelValues(reason).Inc()
		return eventbus.Permanent(err)
	}

	rec := aggregator.NewRecord(env, ev, c.clock.Now(), c.retention)
	inserted, err := c.repo.InsertRawEvent(ctx, rec)
	if err != nil {
		metrics.CollectErrors.WithLabelValues("storage").Inc()
		return fmt.Errorf("store event %s: %w", env.ID, err)
	}
	if !inserted {
		metrics.EventsDuplicate.Inc()
		c.log.Debug("duplicate event ignored",
			logging.EventID(env.ID),
			logging.EventType(env.EventType))
		return nil
	}

	metrics.EventsCollected.WithLabelValues(env.EventType).Inc()
	return nil
}
