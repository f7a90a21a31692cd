// Package messaging provides abstractions for message broker communication.
// It defines the transport contract shared by every Nimbus service so that
// publish/subscribe and request/reply can run over RabbitMQ, NATS, or an
// in-process broker without the callers knowing which one is in use.
package messaging

import (
	"context"
	"errors"
	"time"
)

// DefaultExchange is the single durable topic exchange all services publish to.
const DefaultExchange = "nimbus.events"

var (
	// ErrNotConnected is returned by transport operations while the broker
	// connection is down. Messages published during an outage are dropped.
	ErrNotConnected = errors.New("messaging: not connected to broker")

	// ErrClosed is returned after Close has been called on a transport.
	ErrClosed = errors.New("messaging: transport closed")

	// ErrInvalidPattern is returned for binding patterns the transport cannot express.
	ErrInvalidPattern = errors.New("messaging: invalid binding pattern")
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// RoutingKey is the dot-separated key the message was published under.
	RoutingKey string

	// Data is the raw message payload.
	Data []byte

	// MessageID is an optional producer-assigned identifier.
	MessageID string

	// CorrelationID pairs an RPC request with its reply. It travels in
	// broker message properties, never in Data.
	CorrelationID string

	// ReplyTo is the reply address for request/reply patterns.
	ReplyTo string

	// Headers contains optional key-value pairs carried with the message.
	Headers map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time

	// Persistent requests durable delivery (survives broker restarts).
	Persistent bool
}

// Header returns the value of a header, or "" when absent.
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Delivery is a message handed to a consumer together with its
// acknowledgement controls. Exactly one of Ack, Nak or Term should be called.
type Delivery interface {
	// Message returns the delivered message.
	Message() *Message

	// Attempt returns the 1-based delivery attempt for this message.
	Attempt() int

	// Ack confirms successful processing.
	Ack() error

	// Nak rejects the message and asks the broker to redeliver it.
	Nak() error

	// Term rejects the message without redelivery.
	Term() error
}

// DeliveryHandler processes a delivery. It is responsible for settling it.
type DeliveryHandler func(ctx context.Context, d Delivery)

// QueueSpec describes a queue and the routing-key patterns bound to it.
//
// Patterns use topic-exchange syntax: "*" matches exactly one segment and
// "#" matches zero or more segments.
type QueueSpec struct {
	// Name is the queue name. It is deterministic so restarts reattach to
	// the same queue instead of creating a duplicate binding.
	Name string

	// Patterns are the routing-key patterns bound to the queue.
	Patterns []string

	// Durable queues survive broker restarts and receive persistent messages.
	// Non-durable queues are used for transient traffic such as RPC requests.
	Durable bool

	// Prefetch bounds unacknowledged deliveries per consumer (0 = transport default).
	Prefetch int
}

// Validate checks the spec for a name and well-formed patterns.
func (s QueueSpec) Validate() error {
	if s.Name == "" {
		return errors.New("messaging: queue name is required")
	}
	if len(s.Patterns) == 0 {
		return errors.New("messaging: at least one binding pattern is required")
	}
	for _, p := range s.Patterns {
		if err := ValidatePattern(p); err != nil {
			return err
		}
	}
	return nil
}

// Subscription represents an active consumer on a queue.
type Subscription interface {
	// Unsubscribe stops receiving messages on this subscription.
	Unsubscribe() error

	// Queue returns the queue this subscription consumes from.
	Queue() string
}

// ReplyQueue is an exclusive, broker-named queue used to receive RPC replies.
type ReplyQueue interface {
	// Name is the address requesters put in Message.ReplyTo.
	Name() string

	// Messages delivers replies. It is closed when the queue is closed.
	Messages() <-chan *Message

	// Close deletes the queue. It is safe to call more than once.
	Close() error
}

// Transport is a connection to a topic-based broker. Implementations own the
// exchange topology and the reconnect policy.
type Transport interface {
	// Connect establishes the connection and declares the exchange. On a
	// later connection loss the transport retries on a fixed delay.
	Connect(ctx context.Context) error

	// IsConnected returns true if the transport can currently talk to the broker.
	IsConnected() bool

	// Publish sends msg to the exchange under msg.RoutingKey. A nil error
	// means the broker accepted the frame, not that anyone consumed it.
	Publish(ctx context.Context, msg *Message) error

	// Reply sends msg directly to a reply address obtained from Message.ReplyTo.
	Reply(ctx context.Context, replyTo string, msg *Message) error

	// Consume declares the queue described by spec, binds its patterns and
	// starts delivering messages to handler with manual acknowledgement.
	Consume(ctx context.Context, spec QueueSpec, handler DeliveryHandler) (Subscription, error)

	// OpenReplyQueue allocates an exclusive reply queue.
	OpenReplyQueue(ctx context.Context) (ReplyQueue, error)

	// Close tears the connection down gracefully.
	Close() error
}

// QueueDeclarer is implemented by transports that can declare a bound queue
// without attaching a consumer, so messages accumulate until one does.
type QueueDeclarer interface {
	DeclareQueue(ctx context.Context, spec QueueSpec) error
}

// Standard header names set by the Nimbus libraries.
const (
	HeaderEventType   = "x-event-type"
	HeaderSource      = "x-source-service"
	HeaderAttempts    = "x-attempts"
	HeaderDeathReason = "x-death-reason"
	HeaderOrigQueue   = "x-original-queue"
)
