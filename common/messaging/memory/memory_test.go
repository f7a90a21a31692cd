package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

func connected(t *testing.T) *Transport {
	t.Helper()
	tr := New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func collect(t *testing.T, tr *Transport, spec messaging.QueueSpec) <-chan messaging.Delivery {
	t.Helper()
	ch := make(chan messaging.Delivery, 16)
	_, err := tr.Consume(context.Background(), spec, func(_ context.Context, d messaging.Delivery) {
		_ = d.Ack()
		ch <- d
	})
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, ch <-chan messaging.Delivery) messaging.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestPublish_NotConnected(t *testing.T) {
	tr := New()
	err := tr.Publish(context.Background(), &messaging.Message{RoutingKey: "api.request.completed"})
	assert.ErrorIs(t, err, messaging.ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background()))
	tr.Disconnect()
	err = tr.Publish(context.Background(), &messaging.Message{RoutingKey: "api.request.completed"})
	assert.ErrorIs(t, err, messaging.ErrNotConnected)
}

func TestPublish_Closed(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())

	err := tr.Publish(context.Background(), &messaging.Message{RoutingKey: "api.request.completed"})
	assert.ErrorIs(t, err, messaging.ErrClosed)
	assert.ErrorIs(t, tr.Connect(context.Background()), messaging.ErrClosed)
}

func TestPublish_RejectsWildcardKey(t *testing.T) {
	tr := connected(t)
	err := tr.Publish(context.Background(), &messaging.Message{RoutingKey: "api.*"})
	assert.Error(t, err)
}

func TestPublish_RoutesByPattern(t *testing.T) {
	tr := connected(t)

	dbCh := collect(t, tr, messaging.QueueSpec{Name: "db", Patterns: []string{"database.#"}, Durable: true})
	apiCh := collect(t, tr, messaging.QueueSpec{Name: "api", Patterns: []string{"api.*.completed"}, Durable: true})

	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{
		RoutingKey: "database.document.created",
		Data:       []byte(`{"a":1}`),
	}))
	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{
		RoutingKey: "api.request.completed",
		Data:       []byte(`{"b":2}`),
	}))

	d := receive(t, dbCh)
	assert.Equal(t, "database.document.created", d.Message().RoutingKey)
	assert.Equal(t, 1, d.Attempt())
	assert.False(t, d.Message().Timestamp.IsZero())

	d = receive(t, apiCh)
	assert.Equal(t, "api.request.completed", d.Message().RoutingKey)

	select {
	case extra := <-dbCh:
		t.Fatalf("unexpected delivery %q", extra.Message().RoutingKey)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Len(t, tr.Published(), 2)
}

func TestPublish_UnroutedIsDiscarded(t *testing.T) {
	tr := connected(t)
	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "nobody.listens.here"}))
	assert.Len(t, tr.Published(), 1)
}

func TestDeclareQueue_Accumulates(t *testing.T) {
	tr := connected(t)
	require.NoError(t, tr.DeclareQueue(context.Background(), messaging.QueueSpec{
		Name:     messaging.QueueDeadLetter,
		Patterns: []string{"deadletter.#"},
		Durable:  true,
	}))

	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "deadletter.analytics.events"}))
	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "deadletter.other"}))

	assert.Equal(t, 2, tr.QueueDepth(messaging.QueueDeadLetter))
	msgs := tr.Drain(messaging.QueueDeadLetter)
	require.Len(t, msgs, 2)
	assert.Equal(t, "deadletter.analytics.events", msgs[0].RoutingKey)
	assert.Equal(t, 0, tr.QueueDepth(messaging.QueueDeadLetter))
}

func TestConsume_BindingsAreIdempotent(t *testing.T) {
	tr := connected(t)
	spec := messaging.QueueSpec{Name: "q", Patterns: []string{"a.#", "b.#"}, Durable: true}
	require.NoError(t, tr.DeclareQueue(context.Background(), spec))
	require.NoError(t, tr.DeclareQueue(context.Background(), spec))
	assert.Equal(t, []string{"a.#", "b.#"}, tr.Bindings("q"))
}

func TestNak_RedeliversWithAttempt(t *testing.T) {
	tr := connected(t)

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	_, err := tr.Consume(context.Background(), messaging.QueueSpec{Name: "retry", Patterns: []string{"x.#"}, Durable: true},
		func(_ context.Context, d messaging.Delivery) {
			mu.Lock()
			attempts = append(attempts, d.Attempt())
			n := len(attempts)
			mu.Unlock()
			if n < 3 {
				_ = d.Nak()
				return
			}
			_ = d.Ack()
			close(done)
		})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "x.y"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestTerm_Drops(t *testing.T) {
	tr := connected(t)

	calls := make(chan int, 4)
	_, err := tr.Consume(context.Background(), messaging.QueueSpec{Name: "drop", Patterns: []string{"x.#"}, Durable: true},
		func(_ context.Context, d messaging.Delivery) {
			calls <- d.Attempt()
			_ = d.Term()
		})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "x.y"}))
	assert.Equal(t, 1, <-calls)

	select {
	case a := <-calls:
		t.Fatalf("terminated message redelivered (attempt %d)", a)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, tr.QueueDepth("drop"))
}

func TestDelivery_SettleTwice(t *testing.T) {
	tr := connected(t)
	errs := make(chan error, 1)
	_, err := tr.Consume(context.Background(), messaging.QueueSpec{Name: "twice", Patterns: []string{"x.#"}},
		func(_ context.Context, d messaging.Delivery) {
			_ = d.Ack()
			errs <- d.Ack()
		})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "x.y"}))
	assert.Error(t, <-errs)
}

func TestCompetingConsumers_ShareQueue(t *testing.T) {
	tr := connected(t)
	spec := messaging.QueueSpec{Name: "shared", Patterns: []string{"work.#"}, Durable: true}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(10)
	handler := func(_ context.Context, d messaging.Delivery) {
		mu.Lock()
		seen[d.Message().MessageID]++
		mu.Unlock()
		_ = d.Ack()
		wg.Done()
	}
	for i := 0; i < 3; i++ {
		_, err := tr.Consume(context.Background(), spec, handler)
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Publish(context.Background(), &messaging.Message{
			RoutingKey: "work.item",
			MessageID:  string(rune('a' + i)),
		}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered more than once", id)
	}
}

func TestUnsubscribe_RemovesTransientQueue(t *testing.T) {
	tr := connected(t)
	sub, err := tr.Consume(context.Background(), messaging.QueueSpec{Name: "rpc.x", Patterns: []string{"x"}},
		func(_ context.Context, d messaging.Delivery) { _ = d.Ack() })
	require.NoError(t, err)
	assert.Equal(t, "rpc.x", sub.Queue())
	assert.True(t, tr.HasQueue("rpc.x"))

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, tr.HasQueue("rpc.x"))
}

func TestUnsubscribe_KeepsDurableQueue(t *testing.T) {
	tr := connected(t)
	sub, err := tr.Consume(context.Background(), messaging.QueueSpec{Name: "keep", Patterns: []string{"x.#"}, Durable: true},
		func(_ context.Context, d messaging.Delivery) { _ = d.Ack() })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{RoutingKey: "x.y"}))
	assert.True(t, tr.HasQueue("keep"))
	assert.Equal(t, 1, tr.QueueDepth("keep"))
}

func TestReplyQueue(t *testing.T) {
	tr := connected(t)

	rq, err := tr.OpenReplyQueue(context.Background())
	require.NoError(t, err)
	assert.Contains(t, rq.Name(), "amq.gen-")
	assert.Equal(t, 1, tr.ReplyQueueCount())

	require.NoError(t, tr.Reply(context.Background(), rq.Name(), &messaging.Message{
		CorrelationID: "c-1",
		Data:          []byte(`{"ok":true}`),
	}))

	select {
	case m := <-rq.Messages():
		assert.Equal(t, "c-1", m.CorrelationID)
		assert.JSONEq(t, `{"ok":true}`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}

	require.NoError(t, rq.Close())
	require.NoError(t, rq.Close())
	assert.Equal(t, 0, tr.ReplyQueueCount())

	// Replies to a closed queue are dropped.
	require.NoError(t, tr.Reply(context.Background(), rq.Name(), &messaging.Message{CorrelationID: "late"}))
}

func TestPublish_IsolatesCallerBuffers(t *testing.T) {
	tr := connected(t)
	ch := collect(t, tr, messaging.QueueSpec{Name: "iso", Patterns: []string{"x.#"}})

	data := []byte("hello")
	msg := &messaging.Message{RoutingKey: "x.y", Data: data, Headers: map[string]string{"k": "v"}}
	require.NoError(t, tr.Publish(context.Background(), msg))
	data[0] = 'j'
	msg.Headers["k"] = "changed"

	d := receive(t, ch)
	assert.Equal(t, "hello", string(d.Message().Data))
	assert.Equal(t, "v", d.Message().Header("k"))
}
