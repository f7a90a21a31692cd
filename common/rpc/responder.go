package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

// HandlerFunc answers one request. The returned value is JSON-encoded as the reply.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Handle adapts a typed function to a HandlerFunc, decoding and validating the request.
func Handle[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("decode request: %w", err)
			}
		}
		if v, ok := any(&req).(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("invalid request: %w", err)
			}
		}
		return fn(ctx, req)
	}
}

// Responder is a registered request handler.
type Responder struct {
	client     *Client
	routingKey string
	spec       messaging.QueueSpec
	handler    HandlerFunc

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once

	mu  sync.Mutex
	sub messaging.Subscription
}

// Respond serves requests for routingKey from the queue rpc.<routingKey>,
// bound to exactly that key. A handler error drops the request without a
// reply; the caller observes a timeout. If the transport is not connected
// yet, setup is retried in the background.
func (c *Client) Respond(ctx context.Context, routingKey string, handler HandlerFunc) (*Responder, error) {
	if err := messaging.ValidateRoutingKey(routingKey); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("rpc: handler is required")
	}

	r := &Responder{
		client:     c,
		routingKey: routingKey,
		spec: messaging.QueueSpec{
			Name:     messaging.RPCQueueName(routingKey),
			Patterns: []string{routingKey},
		},
		handler: handler,
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
	}

	err := r.setup(ctx)
	switch {
	case err == nil:
	case errors.Is(err, messaging.ErrNotConnected):
		c.log.Warn("broker unavailable, retrying responder",
			logging.RoutingKey(routingKey),
			logging.Error(err))
		go r.retry()
	default:
		return nil, err
	}
	return r, nil
}

// Ready is closed once the responder is consuming.
func (r *Responder) Ready() <-chan struct{} {
	return r.ready
}

// Queue returns the responder queue name.
func (r *Responder) Queue() string {
	return r.spec.Name
}

// Close stops the responder.
func (r *Responder) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (r *Responder) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Responder) setup(ctx context.Context) error {
	if r.stopped() {
		return nil
	}
	sub, err := r.client.transport.Consume(ctx, r.spec, r.deliver)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped() {
		r.mu.Unlock()
		return sub.Unsubscribe()
	}
	r.sub = sub
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	r.client.log.Info("rpc responder registered",
		logging.RoutingKey(r.routingKey),
		logging.Queue(r.spec.Name))
	return nil
}

func (r *Responder) retry() {
	ticker := time.NewTicker(r.client.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
		if r.stopped() {
			return
		}
		err := r.setup(context.Background())
		if err == nil {
			return
		}
		r.client.log.Warn("responder setup failed",
			logging.RoutingKey(r.routingKey),
			logging.Error(err))
	}
}

func (r *Responder) deliver(ctx context.Context, d messaging.Delivery) {
	req := d.Message()
	log := r.client.log.With(
		logging.RoutingKey(r.routingKey),
		logging.CorrelationID(req.CorrelationID))

	result, err := r.handler(ctx, json.RawMessage(req.Data))
	if err != nil {
		responderRequests.WithLabelValues(r.routingKey, "handler_error").Inc()
		log.Warn("rpc handler failed, dropping request", logging.Error(err))
		_ = d.Term()
		return
	}

	if req.ReplyTo == "" {
		responderRequests.WithLabelValues(r.routingKey, "no_reply_to").Inc()
		_ = d.Ack()
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		responderRequests.WithLabelValues(r.routingKey, "encode_error").Inc()
		log.Error("rpc reply encode failed", logging.Error(err))
		_ = d.Term()
		return
	}

	reply := &messaging.Message{
		RoutingKey:    req.ReplyTo,
		Data:          data,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	if err := r.client.transport.Reply(ctx, req.ReplyTo, reply); err != nil {
		responderRequests.WithLabelValues(r.routingKey, "reply_error").Inc()
		log.Warn("rpc reply failed", logging.Error(err))
		_ = d.Term()
		return
	}

	responderRequests.WithLabelValues(r.routingKey, "ok").Inc()
	_ = d.Ack()
}
