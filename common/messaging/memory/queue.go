package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

var errAlreadySettled = errors.New("memory: delivery already settled")

type envelope struct {
	msg     *messaging.Message
	attempt int
}

// queue is a FIFO shared by competing consumers.
type queue struct {
	name    string
	durable bool
	parent  *Transport

	mu        sync.Mutex
	patterns  []string
	items     []*envelope
	consumers map[*consumer]struct{}
	notify    chan struct{}
}

func newQueue(name string, durable bool) *queue {
	return &queue{
		name:      name,
		durable:   durable,
		consumers: make(map[*consumer]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

func (q *queue) bind(patterns []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range patterns {
		found := false
		for _, existing := range q.patterns {
			if existing == p {
				found = true
				break
			}
		}
		if !found {
			q.patterns = append(q.patterns, p)
		}
	}
}

func (q *queue) push(e *envelope) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) pushFront(e *envelope) {
	q.mu.Lock()
	q.items = append([]*envelope{e}, q.items...)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next blocks until a message is available or stop is closed.
func (q *queue) next(stop <-chan struct{}) (*envelope, bool) {
	for {
		select {
		case <-stop:
			return nil, false
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			return nil, false
		}
	}
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) drain() []*messaging.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*messaging.Message, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.msg)
	}
	q.items = nil
	return out
}

func (q *queue) addConsumer(handler messaging.DeliveryHandler) *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{
		q:       q,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	q.mu.Lock()
	q.consumers[c] = struct{}{}
	q.mu.Unlock()

	go c.run()
	return c
}

// removeConsumer detaches c and reports whether the queue has no consumers left.
func (q *queue) removeConsumer(c *consumer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.consumers, c)
	return len(q.consumers) == 0
}

func (q *queue) stopAll() {
	q.mu.Lock()
	consumers := make([]*consumer, 0, len(q.consumers))
	for c := range q.consumers {
		consumers = append(consumers, c)
	}
	q.mu.Unlock()
	for _, c := range consumers {
		c.halt()
	}
}

type consumer struct {
	q       *queue
	handler messaging.DeliveryHandler
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *consumer) run() {
	defer close(c.done)
	for {
		e, ok := c.q.next(c.stop)
		if !ok {
			return
		}
		d := &delivery{q: c.q, env: e}
		c.handler(c.ctx, d)
		// A handler that returns without settling loses its claim on the message.
		if !d.isSettled() {
			_ = d.Nak()
		}
	}
}

func (c *consumer) halt() {
	c.once.Do(func() {
		close(c.stop)
		c.cancel()
	})
}

// Unsubscribe stops the consumer. Non-durable queues are removed with their
// last consumer.
func (c *consumer) Unsubscribe() error {
	c.halt()
	if c.q.removeConsumer(c) && !c.q.durable && c.q.parent != nil {
		c.q.parent.deleteQueue(c.q)
	}
	return nil
}

// Queue returns the queue name.
func (c *consumer) Queue() string {
	return c.q.name
}

type delivery struct {
	q   *queue
	env *envelope

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() *messaging.Message { return d.env.msg }

func (d *delivery) Attempt() int { return d.env.attempt }

func (d *delivery) Ack() error {
	return d.settle(nil)
}

func (d *delivery) Nak() error {
	return d.settle(func() {
		d.q.pushFront(&envelope{msg: d.env.msg, attempt: d.env.attempt + 1})
	})
}

func (d *delivery) Term() error {
	return d.settle(nil)
}

func (d *delivery) settle(then func()) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return errAlreadySettled
	}
	d.settled = true
	d.mu.Unlock()
	if then != nil {
		then()
	}
	return nil
}

func (d *delivery) isSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

type replyQueue struct {
	name   string
	ch     chan *messaging.Message
	parent *Transport

	mu     sync.Mutex
	closed bool
}

func (r *replyQueue) Name() string { return r.name }

func (r *replyQueue) Messages() <-chan *messaging.Message { return r.ch }

func (r *replyQueue) deliver(m *messaging.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- m:
	default:
	}
}

func (r *replyQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.parent.removeReply(r.name)
	return nil
}
