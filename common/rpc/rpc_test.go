package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging/memory"
)

func newTransport(t *testing.T) *memory.Transport {
	t.Helper()
	tr := memory.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func respond(t *testing.T, c *Client, key string, h HandlerFunc) *Responder {
	t.Helper()
	r, err := c.Respond(context.Background(), key, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("responder never became ready")
	}
	return r
}

type echo struct {
	Marker string `json:"marker"`
}

func echoHandler(_ context.Context, payload json.RawMessage) (any, error) {
	var req echo
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func TestSendRPC_RoundTrip(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)
	r := respond(t, c, "echo.request", echoHandler)
	assert.Equal(t, "rpc.echo.request", r.Queue())
	assert.Equal(t, []string{"echo.request"}, tr.Bindings("rpc.echo.request"))

	raw, err := c.SendRPC(context.Background(), "echo.request", echo{Marker: "m1"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"marker":"m1"}`, string(raw))
	assert.Equal(t, 0, tr.ReplyQueueCount())
}

func TestSendRPC_RequestCarriesCorrelation(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)
	respond(t, c, "echo.request", echoHandler)

	_, err := c.SendRPC(context.Background(), "echo.request", echo{}, time.Second)
	require.NoError(t, err)

	msgs := tr.Published()
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].CorrelationID)
	assert.NotEmpty(t, msgs[0].ReplyTo)
	assert.False(t, msgs[0].Persistent)
}

func TestSendRPC_ConcurrentCallsGetOwnReplies(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)
	respond(t, c, "echo.request", echoHandler)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			marker := fmt.Sprintf("m-%d", i)
			resp, err := Call[echo, echo](context.Background(), c, "echo.request", echo{Marker: marker}, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if resp.Marker != marker {
				errs <- fmt.Errorf("call %d got reply %q", i, resp.Marker)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSendRPC_TimeoutWithoutResponder(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	start := time.Now()
	_, err := c.SendRPC(context.Background(), "nobody.home", echo{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "nobody.home")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, tr.ReplyQueueCount())
}

func TestSendRPC_HandlerErrorYieldsTimeout(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	var calls atomic.Int32
	respond(t, c, "broken.request", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})

	_, err := c.SendRPC(context.Background(), "broken.request", echo{}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, tr.QueueDepth("rpc.broken.request"))
}

func TestSendRPC_SlowResponderTimesOutAndLateReplyIsDropped(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	slowDone := make(chan struct{})
	respond(t, c, "slow.request", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req echo
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if req.Marker == "slow" {
			time.Sleep(150 * time.Millisecond)
			defer close(slowDone)
		}
		return req, nil
	})

	start := time.Now()
	_, err := c.SendRPC(context.Background(), "slow.request", echo{Marker: "slow"}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "caller must not wait for the handler")

	// The late reply is sent while this call waits; it must not be taken as the answer.
	raw, err := c.SendRPC(context.Background(), "slow.request", echo{Marker: "fast"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"marker":"fast"}`, string(raw))

	select {
	case <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("slow handler never finished")
	}
	raw, err = c.SendRPC(context.Background(), "slow.request", echo{Marker: "after"}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"marker":"after"}`, string(raw))
	assert.Equal(t, 0, tr.ReplyQueueCount())
}

func TestSendRPC_IgnoresForeignCorrelationID(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	// Answers twice: first with a stale id, then correctly.
	sub, err := tr.Consume(context.Background(), messaging.QueueSpec{
		Name:     "rpc.noisy.request",
		Patterns: []string{"noisy.request"},
	}, func(ctx context.Context, d messaging.Delivery) {
		req := d.Message()
		_ = tr.Reply(ctx, req.ReplyTo, &messaging.Message{CorrelationID: "stale", Data: []byte(`{"marker":"wrong"}`)})
		_ = tr.Reply(ctx, req.ReplyTo, &messaging.Message{CorrelationID: req.CorrelationID, Data: []byte(`{"marker":"right"}`)})
		_ = d.Ack()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	resp, err := Call[echo, echo](context.Background(), c, "noisy.request", echo{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "right", resp.Marker)
}

func TestSendRPC_ContextCancelled(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.SendRPC(ctx, "nobody.home", echo{}, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRPC_NotConnected(t *testing.T) {
	tr := newTransport(t)
	tr.Disconnect()
	c := NewClient(tr)

	_, err := c.SendRPC(context.Background(), "echo.request", echo{}, time.Second)
	assert.ErrorIs(t, err, messaging.ErrNotConnected)
}

func TestSendRPC_InvalidRoutingKey(t *testing.T) {
	c := NewClient(newTransport(t))
	_, err := c.SendRPC(context.Background(), "stats.*", echo{}, time.Second)
	assert.Error(t, err)
}

func TestRespond_CompetingResponders(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	var served atomic.Int32
	h := func(ctx context.Context, payload json.RawMessage) (any, error) {
		served.Add(1)
		return echoHandler(ctx, payload)
	}
	respond(t, c, "shared.request", h)
	respond(t, c, "shared.request", h)

	const n = 10
	for i := 0; i < n; i++ {
		resp, err := Call[echo, echo](context.Background(), c, "shared.request", echo{Marker: fmt.Sprint(i)}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), resp.Marker)
	}
	assert.Equal(t, int32(n), served.Load())
}

func TestRespond_RetriesUntilConnected(t *testing.T) {
	tr := memory.New()
	t.Cleanup(func() { _ = tr.Close() })
	c := NewClient(tr, WithRetryInterval(10*time.Millisecond))

	r, err := c.Respond(context.Background(), "late.request", echoHandler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, tr.Connect(context.Background()))
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("responder never became ready")
	}

	raw, err := c.SendRPC(context.Background(), "late.request", echo{Marker: "x"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"marker":"x"}`, string(raw))
}

func TestRespond_Validation(t *testing.T) {
	c := NewClient(newTransport(t))
	_, err := c.Respond(context.Background(), "", echoHandler)
	assert.Error(t, err)
	_, err = c.Respond(context.Background(), "a.b", nil)
	assert.Error(t, err)
}

type period struct {
	Period string `json:"period"`
}

func (p *period) Validate() error {
	if p.Period == "" {
		return errors.New("period required")
	}
	return nil
}

type total struct {
	Total int `json:"total"`
}

func (t *total) Validate() error {
	if t.Total < 0 {
		return errors.New("negative total")
	}
	return nil
}

func TestHandle_TypedValidation(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)

	var calls atomic.Int32
	respond(t, c, "typed.request", Handle(func(_ context.Context, req period) (total, error) {
		calls.Add(1)
		return total{Total: len(req.Period)}, nil
	}))

	resp, err := Call[period, total](context.Background(), c, "typed.request", period{Period: "2024-01"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Total)

	// Invalid requests are dropped by the responder.
	_, err = c.SendRPC(context.Background(), "typed.request", period{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCall_RejectsInvalidReply(t *testing.T) {
	tr := newTransport(t)
	c := NewClient(tr)
	respond(t, c, "negative.request", func(context.Context, json.RawMessage) (any, error) {
		return total{Total: -1}, nil
	})

	_, err := Call[echo, total](context.Background(), c, "negative.request", echo{}, time.Second)
	assert.ErrorContains(t, err, "negative total")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", outcome(nil))
	assert.Equal(t, "timeout", outcome(fmt.Errorf("x: %w", ErrTimeout)))
	assert.Equal(t, "not_connected", outcome(messaging.ErrNotConnected))
	assert.Equal(t, "error", outcome(errors.New("other")))
}
