// Package nats provides a NATS implementation of the messaging interfaces.
//
// Persistent messages go through a JetStream stream that captures the
// exchange subject space, and durable queues become durable JetStream
// consumers. Transient traffic (RPC requests and replies) uses core NATS
// subjects under a separate prefix so the stream never captures it.
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

// Header names used to carry message properties NATS has no native slot for.
const (
	headerCorrelationID = "Nimbus-Correlation-Id"
	headerReplyTo       = "Nimbus-Reply-To"
	headerTimestamp     = "Nimbus-Timestamp"
)

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// Exchange is the subject prefix for persistent messages.
	Exchange string

	// TransientPrefix is the subject prefix for core NATS traffic.
	TransientPrefix string

	// ReconnectWait is the fixed time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration

	// Prefetch is the default MaxAckPending for durable consumers.
	Prefetch int

	// Username for authentication (optional).
	Username string

	// Password for authentication (optional).
	Password string

	// Token for token-based authentication (optional).
	Token string

	// Logger receives connection lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "nimbus-client",
		Exchange:        messaging.DefaultExchange,
		TransientPrefix: "nimbus.rpc",
		ReconnectWait:   5 * time.Second,
		Timeout:         5 * time.Second,
		AckWait:         30 * time.Second,
		Prefetch:        10,
	}
}

// Transport implements messaging.Transport using NATS and JetStream.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	subs   map[*subscription]struct{}
	closed bool
}

// New creates a transport. Call Connect to dial the server.
func New(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Exchange == "" {
		cfg.Exchange = def.Exchange
	}
	if cfg.TransientPrefix == "" {
		cfg.TransientPrefix = def.TransientPrefix
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = def.AckWait
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:  cfg,
		log:  log.With(slog.String("transport", "nats")),
		subs: make(map[*subscription]struct{}),
	}
}

// Connect dials NATS. The client keeps retrying in the background on the
// configured fixed delay, both on first connect and after a connection loss.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return messaging.ErrClosed
	}
	if t.conn != nil {
		return nil
	}

	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.Timeout(t.cfg.Timeout),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(_ *nats.Conn) {
			t.log.Info("connected to nats", slog.String("url", t.cfg.URL))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.log.Info("nats reconnected")
		}),
	}
	if t.cfg.Username != "" && t.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}

	conn, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	t.conn = conn
	t.js = js

	if !conn.IsConnected() {
		return messaging.ErrNotConnected
	}
	return nil
}

// IsConnected returns true if connected to NATS.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && t.conn != nil && t.conn.IsConnected()
}

// CheckHealth round-trips to the server.
func (t *Transport) CheckHealth(ctx context.Context) error {
	conn, err := t.connection()
	if err != nil {
		return err
	}
	timeout := t.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return conn.FlushTimeout(timeout)
}

func (t *Transport) connection() (*nats.Conn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, messaging.ErrClosed
	}
	if t.conn == nil || !t.conn.IsConnected() {
		return nil, messaging.ErrNotConnected
	}
	return t.conn, nil
}

// Publish sends msg. Persistent messages are stored in JetStream and wait for
// a publish ack; transient messages go over core NATS.
func (t *Transport) Publish(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := messaging.ValidateRoutingKey(msg.RoutingKey); err != nil {
		return err
	}
	conn, err := t.connection()
	if err != nil {
		return err
	}

	if !msg.Persistent {
		return conn.PublishMsg(t.toNatsMsg(t.transientSubject(msg.RoutingKey), msg))
	}

	if _, err := t.ensureStream(ctx); err != nil {
		return err
	}
	var opts []jetstream.PublishOpt
	if msg.MessageID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.MessageID))
	}
	if _, err := t.js.PublishMsg(ctx, t.toNatsMsg(t.persistentSubject(msg.RoutingKey), msg), opts...); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrDisconnected) {
			return fmt.Errorf("%w: %v", messaging.ErrNotConnected, err)
		}
		return fmt.Errorf("publish %s: %w", msg.RoutingKey, err)
	}
	return nil
}

// Reply publishes msg to an inbox subject obtained from Message.ReplyTo.
func (t *Transport) Reply(ctx context.Context, replyTo string, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if replyTo == "" {
		return errors.New("nats: reply address is required")
	}
	conn, err := t.connection()
	if err != nil {
		return err
	}
	return conn.PublishMsg(t.toNatsMsg(replyTo, msg))
}

// OpenReplyQueue subscribes to a fresh inbox.
func (t *Transport) OpenReplyQueue(ctx context.Context) (messaging.ReplyQueue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.connection()
	if err != nil {
		return nil, err
	}

	rq := &replyQueue{name: conn.NewInbox(), out: make(chan *messaging.Message, 8)}
	sub, err := conn.Subscribe(rq.name, func(m *nats.Msg) {
		rq.deliver(t.fromNatsMsg(m))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reply inbox: %w", err)
	}
	rq.sub = sub
	return rq, nil
}

// Close releases all resources.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = nil
	conn := t.conn
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (t *Transport) persistentSubject(key string) string {
	return t.cfg.Exchange + "." + key
}

func (t *Transport) transientSubject(key string) string {
	return t.cfg.TransientPrefix + "." + key
}

// streamName derives a JetStream stream name from the exchange.
// Example: nimbus.events -> NIMBUS_EVENTS
func streamName(exchange string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(exchange))
}

// consumerName makes a queue name legal as a durable consumer name.
func consumerName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queue)
}

func (t *Transport) toNatsMsg(subject string, msg *messaging.Message) *nats.Msg {
	m := &nats.Msg{
		Subject: subject,
		Data:    msg.Data,
		Header:  make(nats.Header),
	}
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.CorrelationID != "" {
		m.Header.Set(headerCorrelationID, msg.CorrelationID)
	}
	if msg.ReplyTo != "" {
		m.Header.Set(headerReplyTo, msg.ReplyTo)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.Header.Set(headerTimestamp, ts.Format(time.RFC3339Nano))
	return m
}

// fromNatsMsg converts a NATS message to our Message type.
func (t *Transport) fromNatsMsg(msg *nats.Msg) *messaging.Message {
	m := &messaging.Message{
		RoutingKey: t.routingKey(msg.Subject),
		Data:       msg.Data,
		ReplyTo:    msg.Reply,
	}
	for k := range msg.Header {
		v := msg.Header.Get(k)
		switch k {
		case headerCorrelationID:
			m.CorrelationID = v
		case headerReplyTo:
			m.ReplyTo = v
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				m.Timestamp = ts
			}
		case nats.MsgIdHdr:
			m.MessageID = v
		default:
			m.SetHeader(k, v)
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m
}

// routingKey strips the exchange or transient prefix from a subject.
func (t *Transport) routingKey(subject string) string {
	if k, ok := strings.CutPrefix(subject, t.cfg.Exchange+"."); ok {
		return k
	}
	if k, ok := strings.CutPrefix(subject, t.cfg.TransientPrefix+"."); ok {
		return k
	}
	return subject
}

type replyQueue struct {
	name string
	sub  *nats.Subscription
	out  chan *messaging.Message

	mu     sync.Mutex
	closed bool
}

func (r *replyQueue) Name() string { return r.name }

func (r *replyQueue) Messages() <-chan *messaging.Message { return r.out }

func (r *replyQueue) deliver(m *messaging.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.out <- m:
	default:
	}
}

func (r *replyQueue) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.out)
	if r.sub != nil {
		return r.sub.Unsubscribe()
	}
	return nil
}
