package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// Subscription is a durable queue consumer created by Bus.Subscribe.
type Subscription struct {
	bus     *Bus
	spec    messaging.QueueSpec
	handler Handler

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once

	mu  sync.Mutex
	sub messaging.Subscription
}

// Subscribe binds a durable queue to patterns and delivers every matching
// envelope to handler. If the transport is not connected yet, setup is
// retried in the background; Ready is closed once consuming starts.
func (b *Bus) Subscribe(ctx context.Context, queue string, patterns []string, handler Handler) (*Subscription, error) {
	spec := messaging.QueueSpec{Name: queue, Patterns: patterns, Durable: true}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("eventbus: handler is required")
	}

	s := &Subscription{
		bus:     b,
		spec:    spec,
		handler: handler,
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
	}

	err := s.setup(ctx)
	switch {
	case err == nil:
	case errors.Is(err, messaging.ErrNotConnected):
		b.log.Warn("broker unavailable, retrying subscription",
			logging.Queue(queue),
			logging.Error(err))
		go s.retry()
	default:
		return nil, err
	}

	b.track(s)
	return s, nil
}

// Ready is closed once the consumer is attached.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Queue returns the queue name.
func (s *Subscription) Queue() string {
	return s.spec.Name
}

// Unsubscribe stops setup retries and detaches the consumer. The durable
// queue and its bindings stay on the broker.
func (s *Subscription) Unsubscribe() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (s *Subscription) setup(ctx context.Context) error {
	if s.stopped() {
		return nil
	}
	if d, ok := s.bus.transport.(messaging.QueueDeclarer); ok {
		park := messaging.QueueSpec{
			Name:     messaging.QueueDeadLetter,
			Patterns: []string{messaging.DeadLetterPrefix + ".#"},
			Durable:  true,
		}
		if err := d.DeclareQueue(ctx, park); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
	}

	sub, err := s.bus.transport.Consume(ctx, s.spec, s.deliver)
	if err != nil {
		return err
	}

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return sub.Unsubscribe()
	default:
	}
	s.sub = sub
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
	s.bus.log.Info("subscribed",
		logging.Queue(s.spec.Name),
		"patterns", s.spec.Patterns)
	return nil
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Subscription) retry() {
	ticker := time.NewTicker(s.bus.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if s.stopped() {
			return
		}

		err := s.setup(context.Background())
		if err == nil {
			return
		}
		s.bus.log.Warn("subscription setup failed",
			logging.Queue(s.spec.Name),
			logging.Error(err))
	}
}

func (s *Subscription) deliver(ctx context.Context, d messaging.Delivery) {
	queue := s.spec.Name
	msg := d.Message()

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.deadLetter(ctx, d, fmt.Sprintf("undecodable envelope: %v", err))
		return
	}
	if err := env.Validate(); err != nil {
		s.deadLetter(ctx, d, err.Error())
		return
	}

	if err := s.handler(ctx, env); err != nil {
		handlerErrors.WithLabelValues(queue).Inc()
		attempt := d.Attempt()
		if errors.Is(err, ErrPermanent) || (s.bus.maxAttempts > 0 && attempt >= s.bus.maxAttempts) {
			s.deadLetter(ctx, d, err.Error())
			return
		}
		s.bus.log.Warn("event handler failed, requeueing",
			logging.Queue(queue),
			logging.EventType(env.EventType),
			logging.EventID(env.ID),
			logging.Attempt(attempt),
			logging.Error(err))
		if nerr := d.Nak(); nerr != nil {
			s.bus.log.Error("nak failed", logging.Queue(queue), logging.Error(nerr))
		}
		return
	}

	handled.WithLabelValues(queue).Inc()
	if err := d.Ack(); err != nil {
		s.bus.log.Error("ack failed", logging.Queue(queue), logging.Error(err))
	}
}

// deadLetter parks the message under deadletter.<queue> and acks the original.
// If parking fails the message is requeued instead so it is not lost.
func (s *Subscription) deadLetter(ctx context.Context, d messaging.Delivery, reason string) {
	queue := s.spec.Name
	orig := d.Message()

	parked := &messaging.Message{
		RoutingKey: messaging.DeadLetterKey(queue),
		Data:       orig.Data,
		MessageID:  orig.MessageID,
		Timestamp:  time.Now().UTC(),
		Persistent: true,
	}
	for k, v := range orig.Headers {
		parked.SetHeader(k, v)
	}
	parked.SetHeader(messaging.HeaderDeathReason, reason)
	parked.SetHeader(messaging.HeaderAttempts, strconv.Itoa(d.Attempt()))
	parked.SetHeader(messaging.HeaderOrigQueue, queue)
	parked.SetHeader(HeaderOrigRoutingKey, orig.RoutingKey)

	if err := s.bus.transport.Publish(ctx, parked); err != nil {
		s.bus.log.Error("dead-letter publish failed, requeueing",
			logging.Queue(queue),
			logging.RoutingKey(orig.RoutingKey),
			logging.Error(err))
		_ = d.Nak()
		return
	}

	deadLettered.WithLabelValues(queue).Inc()
	s.bus.log.Warn("message dead-lettered",
		logging.Queue(queue),
		logging.RoutingKey(orig.RoutingKey),
		logging.Attempt(d.Attempt()),
		"reason", reason)
	if err := d.Ack(); err != nil {
		s.bus.log.Error("ack failed", logging.Queue(queue), logging.Error(err))
	}
}

// HeaderOrigRoutingKey records the routing key a dead-lettered message was published under.
const HeaderOrigRoutingKey = "x-original-routing-key"
