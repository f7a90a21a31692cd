package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// StreamConfig returns the JetStream stream that captures every persistent
// message published to the exchange. Interest retention drops a message once
// all consumers bound to it have acknowledged.
func (t *Transport) StreamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      streamName(t.cfg.Exchange),
		Subjects:  []string{t.cfg.Exchange + ".>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Retention: jetstream.InterestPolicy,
		Storage:   jetstream.FileStorage,
	}
}

func (t *Transport) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	t.mu.RLock()
	stream, js := t.stream, t.js
	t.mu.RUnlock()
	if stream != nil {
		return stream, nil
	}
	if js == nil {
		return nil, messaging.ErrNotConnected
	}

	cfg := t.StreamConfig()
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		if !t.IsConnected() {
			return nil, fmt.Errorf("%w: %v", messaging.ErrNotConnected, err)
		}
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	t.mu.Lock()
	t.stream = stream
	t.mu.Unlock()
	return stream, nil
}

// TranslatePattern converts a topic pattern into a NATS subject filter.
// "*" maps to "*" and a trailing "#" maps to ">". NATS has no wildcard for
// zero or more tokens in the middle of a subject, so "#" anywhere else is
// rejected. A trailing "#" also requires at least one token on NATS.
func TranslatePattern(prefix, pattern string) (string, error) {
	if err := messaging.ValidatePattern(pattern); err != nil {
		return "", err
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg != "#" {
			continue
		}
		if i != len(segs)-1 {
			return "", fmt.Errorf("%w: %q uses # before the last segment", messaging.ErrInvalidPattern, pattern)
		}
		segs[i] = ">"
	}
	return prefix + "." + strings.Join(segs, "."), nil
}

// Consume starts a consumer. Durable specs become durable JetStream consumers
// filtered on the translated patterns; transient specs become core NATS queue
// subscriptions, one per pattern, load-balanced across the queue group.
func (t *Transport) Consume(ctx context.Context, spec messaging.QueueSpec, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("nats: handler is required")
	}
	if _, err := t.connection(); err != nil {
		return nil, err
	}

	var (
		sub *subscription
		err error
	)
	if spec.Durable {
		sub, err = t.consumeDurable(ctx, spec, handler)
	} else {
		sub, err = t.consumeTransient(spec, handler)
	}
	if err != nil {
		return nil, err
	}
	sub.owner = t

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.stop()
		return nil, messaging.ErrClosed
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

func (t *Transport) durableConsumer(ctx context.Context, spec messaging.QueueSpec) (jetstream.Consumer, error) {
	filters := make([]string, 0, len(spec.Patterns))
	for _, p := range spec.Patterns {
		f, err := TranslatePattern(t.cfg.Exchange, p)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	stream, err := t.ensureStream(ctx)
	if err != nil {
		return nil, err
	}

	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = t.cfg.Prefetch
	}
	name := consumerName(spec.Name)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:           name,
		Durable:        name,
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        t.cfg.AckWait,
		MaxAckPending:  prefetch,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", name, err)
	}
	return consumer, nil
}

func (t *Transport) consumeDurable(ctx context.Context, spec messaging.QueueSpec, handler messaging.DeliveryHandler) (*subscription, error) {
	consumer, err := t.durableConsumer(ctx, spec)
	if err != nil {
		return nil, err
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(consumeCtx, t.newJetStreamDelivery(msg))
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		t.log.Warn("jetstream consume error",
			slog.String("queue", spec.Name),
			slog.String("error", err.Error()))
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return &subscription{queue: spec.Name, cancel: cancel, consume: cc}, nil
}

func (t *Transport) consumeTransient(spec messaging.QueueSpec, handler messaging.DeliveryHandler) (*subscription, error) {
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{queue: spec.Name, cancel: cancel}
	for _, p := range spec.Patterns {
		subject, err := TranslatePattern(t.cfg.TransientPrefix, p)
		if err != nil {
			s.stop()
			return nil, err
		}
		ns, err := conn.QueueSubscribe(subject, consumerName(spec.Name), func(m *nats.Msg) {
			handler(consumeCtx, &coreDelivery{msg: t.fromNatsMsg(m)})
		})
		if err != nil {
			s.stop()
			return nil, fmt.Errorf("queue subscribe %s: %w", subject, err)
		}
		s.core = append(s.core, ns)
	}
	return s, nil
}

// subscription wraps either a JetStream consume context or core subscriptions.
type subscription struct {
	queue   string
	owner   *Transport
	cancel  context.CancelFunc
	consume jetstream.ConsumeContext
	core    []*nats.Subscription
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		if s.consume != nil {
			s.consume.Stop()
		}
		for _, ns := range s.core {
			_ = ns.Unsubscribe()
		}
	})
}

func (s *subscription) Unsubscribe() error {
	s.stop()
	if s.owner != nil {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
	}
	return nil
}

func (s *subscription) Queue() string {
	return s.queue
}

type jsDelivery struct {
	msg     jetstream.Msg
	message *messaging.Message
}

func (t *Transport) newJetStreamDelivery(msg jetstream.Msg) *jsDelivery {
	m := t.fromNatsMsg(&nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: msg.Headers()})
	m.Persistent = true
	return &jsDelivery{msg: msg, message: m}
}

func (d *jsDelivery) Message() *messaging.Message { return d.message }

func (d *jsDelivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *jsDelivery) Ack() error { return d.msg.Ack() }

func (d *jsDelivery) Nak() error { return d.msg.Nak() }

func (d *jsDelivery) Term() error { return d.msg.Term() }

// coreDelivery is a core NATS message. Core NATS has no acknowledgements, so
// settlement is a no-op and every delivery is a first attempt.
type coreDelivery struct {
	msg *messaging.Message
}

func (d *coreDelivery) Message() *messaging.Message { return d.msg }

func (d *coreDelivery) Attempt() int { return 1 }

func (d *coreDelivery) Ack() error { return nil }

func (d *coreDelivery) Nak() error { return nil }

func (d *coreDelivery) Term() error { return nil }

// DeclareQueue creates the durable consumer for spec without consuming, so
// the stream retains matching messages for it. Only durable specs can be
// declared; core NATS keeps nothing for absent subscribers.
func (t *Transport) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if !spec.Durable {
		return errors.New("nats: only durable queues can be declared without a consumer")
	}
	if _, err := t.connection(); err != nil {
		return err
	}
	_, err := t.durableConsumer(ctx, spec)
	return err
}
