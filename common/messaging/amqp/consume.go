package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// consumer is a registered queue consumer. It survives reconnects: the
// transport re-declares its queue and restarts delivery on a fresh channel.
type consumer struct {
	t       *Transport
	spec    messaging.QueueSpec
	handler messaging.DeliveryHandler
	ctx     context.Context
	cancel  context.CancelFunc

	startMu sync.Mutex // serializes restarts from the watcher and reconnects

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel
	tag  string
}

// Consume declares the queue, binds the patterns and starts consuming with manual acks.
func (t *Transport) Consume(ctx context.Context, spec messaging.QueueSpec, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if t.closed.Load() {
		return nil, messaging.ErrClosed
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("amqp: handler is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &consumer{t: t, spec: spec, handler: handler, ctx: cctx, cancel: cancel}
	if err := c.start(); err != nil {
		cancel()
		return nil, err
	}

	t.consumersMu.Lock()
	t.consumers[c] = struct{}{}
	t.consumersMu.Unlock()
	return c, nil
}

func (t *Transport) restoreConsumers() {
	t.consumersMu.Lock()
	consumers := make([]*consumer, 0, len(t.consumers))
	for c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.consumersMu.Unlock()

	for _, c := range consumers {
		if err := c.restart(nil); err != nil {
			t.log.Error("failed to restore consumer",
				slog.String("queue", c.spec.Name),
				slog.String("error", err.Error()))
			continue
		}
		t.log.Info("consumer restored", slog.String("queue", c.spec.Name))
	}
}

// queueArgs returns declaration arguments. Durable queues are quorum queues
// so each redelivery carries x-delivery-count.
func queueArgs(spec messaging.QueueSpec) amqp091.Table {
	if spec.Durable {
		return amqp091.Table{"x-queue-type": "quorum"}
	}
	return nil
}

func (c *consumer) start() error {
	conn, ch, err := c.t.openChannelOn()
	if err != nil {
		return err
	}
	// Registered before any server call so an early channel error is seen.
	closed := ch.NotifyClose(make(chan *amqp091.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	prefetch := c.spec.Prefetch
	if prefetch <= 0 {
		prefetch = c.t.cfg.Prefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	// Non-durable queues are auto-deleted once their last consumer goes away.
	if _, err := ch.QueueDeclare(c.spec.Name, c.spec.Durable, !c.spec.Durable, false, false, queueArgs(c.spec)); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", c.spec.Name, err)
	}
	for _, pattern := range c.spec.Patterns {
		if err := ch.QueueBind(c.spec.Name, pattern, c.t.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("bind queue %s key=%s: %w", c.spec.Name, pattern, err)
		}
	}

	tag := c.spec.Name + "-" + uuid.NewString()
	deliveries, err := ch.Consume(c.spec.Name, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume queue %s: %w", c.spec.Name, err)
	}

	c.mu.Lock()
	c.conn, c.ch, c.tag = conn, ch, tag
	c.mu.Unlock()

	go c.loop(deliveries)
	go c.watch(ch, closed, cancelled)
	return nil
}

// restart starts a fresh channel for c. With closed set, it only acts if
// closed is still c's channel; with nil, it only acts if c is not already
// consuming on the current connection.
func (c *consumer) restart(closed *amqp091.Channel) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.ctx.Err() != nil {
		return nil
	}

	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.mu.Unlock()
	if closed != nil && ch != closed {
		return nil
	}
	if closed == nil && ch != nil && !ch.IsClosed() && conn == c.t.currentConn() {
		return nil
	}

	if err := c.start(); err != nil {
		return err
	}
	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	return nil
}

// watch restarts the consumer when the broker closes its channel or cancels
// it (queue deleted) while the connection stays up. Connection loss is
// handled by restoreConsumers after reconnect.
func (c *consumer) watch(ch *amqp091.Channel, closed <-chan *amqp091.Error, cancelled <-chan string) {
	select {
	case err, ok := <-closed:
		if !ok || err == nil {
			return
		}
		c.t.log.Warn("rabbitmq consumer channel closed",
			slog.String("queue", c.spec.Name),
			slog.String("error", err.Error()))
	case _, ok := <-cancelled:
		if !ok {
			return
		}
		c.t.log.Warn("rabbitmq consumer cancelled by broker", slog.String("queue", c.spec.Name))
	case <-c.ctx.Done():
		return
	}

	for {
		if c.ctx.Err() != nil || c.t.closed.Load() {
			return
		}
		if conn := c.t.currentConn(); conn == nil || conn.IsClosed() {
			return
		}
		err := c.restart(ch)
		if err == nil {
			c.t.log.Info("consumer restored", slog.String("queue", c.spec.Name))
			return
		}
		c.t.log.Warn("consumer restart failed",
			slog.String("queue", c.spec.Name),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", c.t.cfg.ReconnectDelay))
		select {
		case <-c.ctx.Done():
			return
		case <-c.t.done:
			return
		case <-time.After(c.t.cfg.ReconnectDelay):
		}
	}
}

func (c *consumer) loop(deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handler(c.ctx, newDelivery(d))
		}
	}
}

func (c *consumer) stop() {
	c.cancel()
	c.mu.Lock()
	ch, tag := c.ch, c.tag
	c.ch = nil
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Cancel(tag, false)
		_ = ch.Close()
	}
}

// Unsubscribe cancels the consumer and forgets it for reconnects.
func (c *consumer) Unsubscribe() error {
	c.t.consumersMu.Lock()
	delete(c.t.consumers, c)
	c.t.consumersMu.Unlock()
	c.stop()
	return nil
}

// Queue returns the queue name.
func (c *consumer) Queue() string {
	return c.spec.Name
}

// delivery adapts amqp091.Delivery to messaging.Delivery.
type delivery struct {
	d   amqp091.Delivery
	msg *messaging.Message
}

func newDelivery(d amqp091.Delivery) *delivery {
	return &delivery{d: d, msg: fromDelivery(d)}
}

func (d *delivery) Message() *messaging.Message { return d.msg }

func (d *delivery) Attempt() int { return attemptOf(d.d) }

func (d *delivery) Ack() error { return d.d.Ack(false) }

func (d *delivery) Nak() error { return d.d.Nack(false, true) }

func (d *delivery) Term() error { return d.d.Nack(false, false) }

// OpenReplyQueue declares a server-named exclusive queue and consumes it with auto-ack.
func (t *Transport) OpenReplyQueue(ctx context.Context) (messaging.ReplyQueue, error) {
	if t.closed.Load() {
		return nil, messaging.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := t.openChannel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	rq := &replyQueue{name: q.Name, ch: ch, out: make(chan *messaging.Message, 8)}
	go rq.forward(deliveries)
	return rq, nil
}

type replyQueue struct {
	name string
	ch   *amqp091.Channel
	out  chan *messaging.Message
	once sync.Once
}

func (r *replyQueue) Name() string { return r.name }

func (r *replyQueue) Messages() <-chan *messaging.Message { return r.out }

func (r *replyQueue) forward(deliveries <-chan amqp091.Delivery) {
	defer close(r.out)
	for d := range deliveries {
		select {
		case r.out <- fromDelivery(d):
		default:
		}
	}
}

func (r *replyQueue) Close() error {
	var err error
	r.once.Do(func() {
		_, _ = r.ch.QueueDelete(r.name, false, false, false)
		if cerr := r.ch.Close(); cerr != nil && !errors.Is(cerr, amqp091.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// DeclareQueue declares and binds a queue without consuming from it.
func (t *Transport) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := t.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(spec.Name, spec.Durable, !spec.Durable, false, false, queueArgs(spec)); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Name, err)
	}
	for _, pattern := range spec.Patterns {
		if err := ch.QueueBind(spec.Name, pattern, t.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s key=%s: %w", spec.Name, pattern, err)
		}
	}
	return nil
}
