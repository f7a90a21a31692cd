// Package memory provides an in-process implementation of messaging.Transport.
//
// It models a single topic exchange with named queues, manual acknowledgement
// and redelivery, so event bus and RPC behaviour can be exercised
// deterministically in tests and local dry runs without a broker.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// Transport is an in-memory broker. The zero value is not usable; use New.
type Transport struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	queues    map[string]*queue
	replies   map[string]*replyQueue

	// published records every accepted publish, for assertions in tests.
	published []*messaging.Message
}

// New creates a disconnected in-memory transport. Call Connect before use.
func New() *Transport {
	return &Transport{
		queues:  make(map[string]*queue),
		replies: make(map[string]*replyQueue),
	}
}

// Connect marks the transport connected.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return messaging.ErrClosed
	}
	t.connected = true
	return nil
}

// Disconnect simulates a broker outage. Queued messages are retained.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// IsConnected returns true if connected.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Publish routes msg to every queue with a matching binding. Messages with
// no matching queue are discarded, as on a real topic exchange.
func (t *Transport) Publish(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := messaging.ValidateRoutingKey(msg.RoutingKey); err != nil {
		return err
	}

	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	stamped := cloneMessage(msg)
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = time.Now().UTC()
	}
	t.published = append(t.published, stamped)

	var targets []*queue
	for _, q := range t.queues {
		if messaging.MatchAny(q.patterns, msg.RoutingKey) {
			targets = append(targets, q)
		}
	}
	t.mu.Unlock()

	for _, q := range targets {
		q.push(&envelope{msg: cloneMessage(stamped), attempt: 1})
	}
	return nil
}

// Reply delivers msg to a reply queue, or to a named queue via the default
// exchange semantics when replyTo names a regular queue.
func (t *Transport) Reply(ctx context.Context, replyTo string, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	rq := t.replies[replyTo]
	q := t.queues[replyTo]
	t.mu.Unlock()

	switch {
	case rq != nil:
		rq.deliver(cloneMessage(msg))
	case q != nil:
		q.push(&envelope{msg: cloneMessage(msg), attempt: 1})
	}
	// Replies to unknown addresses are dropped silently, like the default exchange.
	return nil
}

// Consume declares the queue (idempotently), binds patterns and starts a consumer.
func (t *Transport) Consume(ctx context.Context, spec messaging.QueueSpec, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("memory: handler is required")
	}

	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	q, ok := t.queues[spec.Name]
	if !ok {
		q = newQueue(spec.Name, spec.Durable)
		q.parent = t
		t.queues[spec.Name] = q
	}
	q.bind(spec.Patterns)
	t.mu.Unlock()

	c := q.addConsumer(handler)
	return c, nil
}

// DeclareQueue creates a queue with bindings but no consumer, so messages
// accumulate until one attaches. Used for parking queues.
func (t *Transport) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return err
	}
	q, ok := t.queues[spec.Name]
	if !ok {
		q = newQueue(spec.Name, spec.Durable)
		q.parent = t
		t.queues[spec.Name] = q
	}
	q.bind(spec.Patterns)
	return nil
}

// OpenReplyQueue allocates an exclusive reply queue with a broker-style generated name.
func (t *Transport) OpenReplyQueue(ctx context.Context) (messaging.ReplyQueue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return nil, err
	}

	rq := &replyQueue{
		name:   "amq.gen-" + uuid.NewString(),
		ch:     make(chan *messaging.Message, 8),
		parent: t,
	}
	t.replies[rq.name] = rq
	return rq, nil
}

// Close stops all consumers and marks the transport closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	queues := make([]*queue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	replies := make([]*replyQueue, 0, len(t.replies))
	for _, rq := range t.replies {
		replies = append(replies, rq)
	}
	t.mu.Unlock()

	for _, q := range queues {
		q.stopAll()
	}
	for _, rq := range replies {
		_ = rq.Close()
	}
	return nil
}

// Published returns a copy of every message accepted by Publish.
func (t *Transport) Published() []*messaging.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*messaging.Message, len(t.published))
	copy(out, t.published)
	return out
}

// QueueDepth returns the number of messages waiting in a queue.
func (t *Transport) QueueDepth(name string) int {
	t.mu.Lock()
	q := t.queues[name]
	t.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.depth()
}

// Drain removes and returns the messages waiting in a queue without a consumer.
func (t *Transport) Drain(name string) []*messaging.Message {
	t.mu.Lock()
	q := t.queues[name]
	t.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.drain()
}

// HasQueue reports whether a queue has been declared.
func (t *Transport) HasQueue(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.queues[name]
	return ok
}

// Bindings returns the patterns bound to a queue.
func (t *Transport) Bindings(name string) []string {
	t.mu.Lock()
	q := t.queues[name]
	t.mu.Unlock()
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.patterns))
	copy(out, q.patterns)
	return out
}

// ReplyQueueCount returns the number of open reply queues.
func (t *Transport) ReplyQueueCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.replies)
}

func (t *Transport) usableLocked() error {
	if t.closed {
		return messaging.ErrClosed
	}
	if !t.connected {
		return messaging.ErrNotConnected
	}
	return nil
}

func (t *Transport) deleteQueue(q *queue) {
	t.mu.Lock()
	if t.queues[q.name] == q {
		delete(t.queues, q.name)
	}
	t.mu.Unlock()
}

func (t *Transport) removeReply(name string) {
	t.mu.Lock()
	delete(t.replies, name)
	t.mu.Unlock()
}

func cloneMessage(m *messaging.Message) *messaging.Message {
	c := *m
	if m.Data != nil {
		c.Data = append([]byte(nil), m.Data...)
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
