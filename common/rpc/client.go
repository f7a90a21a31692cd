// Package rpc implements request/reply over a messaging.Transport.
//
// A caller publishes a transient request carrying a fresh correlation id and
// the name of an exclusive reply queue, then waits for the first reply with
// that correlation id or a timeout. Responders consume a deterministic queue
// named after the routing key, so several instances share the load.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// DefaultTimeout applies when a call passes a zero timeout.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when no matching reply arrives in time.
	ErrTimeout = errors.New("rpc: timed out waiting for reply")

	// ErrReplyQueueClosed is returned when the reply queue closes before a reply arrives.
	ErrReplyQueueClosed = errors.New("rpc: reply queue closed")
)

// Validator is implemented by request and response types that can check themselves.
type Validator interface {
	Validate() error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRetryInterval sets the wait between responder setup attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retryInterval = d }
}

// Client sends requests and registers responders.
type Client struct {
	transport     messaging.Transport
	log           *slog.Logger
	retryInterval time.Duration
}

// NewClient creates an RPC client on transport.
func NewClient(transport messaging.Transport, opts ...Option) *Client {
	c := &Client{
		transport:     transport,
		log:           slog.Default(),
		retryInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 5 * time.Second
	}
	return c
}

// SendRPC sends payload to routingKey and returns the raw JSON reply.
// A zero timeout means DefaultTimeout.
func (c *Client) SendRPC(ctx context.Context, routingKey string, payload any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	reply, err := c.send(ctx, routingKey, payload, timeout)
	callDuration.WithLabelValues(routingKey, outcome(err)).Observe(time.Since(start).Seconds())
	return reply, err
}

func (c *Client) send(ctx context.Context, routingKey string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if err := messaging.ValidateRoutingKey(routingKey); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	rq, err := c.transport.OpenReplyQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("open reply queue: %w", err)
	}
	// Deleted on every exit path; on timeout this is best-effort.
	defer func() {
		if cerr := rq.Close(); cerr != nil {
			c.log.Debug("reply queue close failed", logging.RoutingKey(routingKey), logging.Error(cerr))
		}
	}()

	correlationID := uuid.NewString()
	req := &messaging.Message{
		RoutingKey:    routingKey,
		Data:          data,
		MessageID:     correlationID,
		CorrelationID: correlationID,
		ReplyTo:       rq.Name(),
		Timestamp:     time.Now().UTC(),
	}
	if err := c.transport.Publish(ctx, req); err != nil {
		return nil, fmt.Errorf("publish request %s: %w", routingKey, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case m, ok := <-rq.Messages():
			if !ok {
				return nil, fmt.Errorf("%s: %w", routingKey, ErrReplyQueueClosed)
			}
			if m.CorrelationID != correlationID {
				c.log.Debug("ignoring reply with foreign correlation id",
					logging.RoutingKey(routingKey),
					logging.CorrelationID(m.CorrelationID))
				continue
			}
			return json.RawMessage(m.Data), nil
		case <-timer.C:
			return nil, fmt.Errorf("%s after %s: %w", routingKey, timeout, ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Call sends req and decodes the reply into Resp. Requests and responses
// implementing Validator are checked before sending and after decoding.
func Call[Req, Resp any](ctx context.Context, c *Client, routingKey string, req Req, timeout time.Duration) (Resp, error) {
	var resp Resp
	if v, ok := any(&req).(Validator); ok {
		if err := v.Validate(); err != nil {
			return resp, fmt.Errorf("invalid request: %w", err)
		}
	}

	raw, err := c.SendRPC(ctx, routingKey, req, timeout)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %s reply: %w", routingKey, err)
	}
	if v, ok := any(&resp).(Validator); ok {
		if err := v.Validate(); err != nil {
			return resp, fmt.Errorf("invalid %s reply: %w", routingKey, err)
		}
	}
	return resp, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, messaging.ErrNotConnected):
		return "not_connected"
	default:
		return "error"
	}
}
