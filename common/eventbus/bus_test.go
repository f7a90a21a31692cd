package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-baas/nimbus-stack/common/events"
	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging/memory"
)

func newBus(t *testing.T, opts ...Option) (*Bus, *memory.Transport) {
	t.Helper()
	tr := memory.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	opts = append([]Option{WithSource("test"), WithRetryInterval(10 * time.Millisecond)}, opts...)
	b := New(tr, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b, tr
}

func waitReady(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription never became ready")
	}
}

func TestPublish_Envelope(t *testing.T) {
	b, tr := newBus(t)

	err := b.Publish(context.Background(), messaging.KeyStorageFileUploaded, map[string]any{"fileId": "f1", "size": 10})
	require.NoError(t, err)

	msgs := tr.Published()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, messaging.KeyStorageFileUploaded, msg.RoutingKey)
	assert.True(t, msg.Persistent)
	assert.Equal(t, messaging.KeyStorageFileUploaded, msg.Header(messaging.HeaderEventType))
	assert.Equal(t, "test", msg.Header(messaging.HeaderSource))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, msg.MessageID, env.ID)
	assert.Equal(t, messaging.KeyStorageFileUploaded, env.EventType)
	assert.JSONEq(t, `{"fileId":"f1","size":10}`, string(env.Data))
	assert.False(t, env.Timestamp.IsZero())
}

func TestPublish_NotConnected(t *testing.T) {
	b, tr := newBus(t)
	tr.Disconnect()

	err := b.Publish(context.Background(), messaging.KeyAPIRequestCompleted, map[string]any{})
	assert.ErrorIs(t, err, messaging.ErrNotConnected)
	assert.Empty(t, tr.Published())
}

func TestPublish_InvalidEventType(t *testing.T) {
	b, _ := newBus(t)
	assert.Error(t, b.Publish(context.Background(), "", nil))
	assert.Error(t, b.Publish(context.Background(), "database.*", nil))
}

func TestPublishEvent_Validates(t *testing.T) {
	b, tr := newBus(t)

	bad := events.NewDocumentEvent(messaging.KeyDatabaseDocumentCreated, events.Context{AppID: "a1"}, "c", "d")
	assert.ErrorIs(t, b.PublishEvent(context.Background(), bad), events.ErrInvalidPayload)
	assert.Empty(t, tr.Published())

	good := events.NewDocumentEvent(messaging.KeyDatabaseDocumentCreated, events.Context{OwnerID: "o1", AppID: "a1"}, "c", "d")
	require.NoError(t, b.PublishEvent(context.Background(), good))
	require.Len(t, tr.Published(), 1)
	assert.Equal(t, messaging.KeyDatabaseDocumentCreated, tr.Published()[0].RoutingKey)
}

func TestSubscribe_DeliversMatching(t *testing.T) {
	b, tr := newBus(t)

	got := make(chan Envelope, 4)
	s, err := b.Subscribe(context.Background(), "test.events", []string{"database.#"}, func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)
	waitReady(t, s)
	assert.Equal(t, "test.events", s.Queue())

	require.NoError(t, b.Publish(context.Background(), messaging.KeyAPIRequestCompleted, map[string]any{}))
	require.NoError(t, b.Publish(context.Background(), messaging.KeyDatabaseDocumentDeleted, map[string]any{"documentId": "d1"}))

	select {
	case env := <-got:
		assert.Equal(t, messaging.KeyDatabaseDocumentDeleted, env.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case env := <-got:
		t.Fatalf("unexpected event %s", env.EventType)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, tr.QueueDepth("test.events"))
}

func TestSubscribe_RequeuesOnError(t *testing.T) {
	b, _ := newBus(t)

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	_, err := b.Subscribe(context.Background(), "flaky", []string{"storage.#"}, func(context.Context, Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), messaging.KeyStorageFileDeleted, map[string]any{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered until success")
	}
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestSubscribe_DeadLettersAfterMaxAttempts(t *testing.T) {
	b, tr := newBus(t, WithMaxAttempts(3))

	var mu sync.Mutex
	calls := 0
	_, err := b.Subscribe(context.Background(), "poison", []string{"auth.#"}, func(context.Context, Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("always fails")
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), messaging.KeyAuthUserLoggedIn, map[string]any{}))

	require.Eventually(t, func() bool {
		return tr.QueueDepth(messaging.QueueDeadLetter) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
	assert.Equal(t, 0, tr.QueueDepth("poison"))

	parked := tr.Drain(messaging.QueueDeadLetter)
	require.Len(t, parked, 1)
	assert.Equal(t, "deadletter.poison", parked[0].RoutingKey)
	assert.Equal(t, "always fails", parked[0].Header(messaging.HeaderDeathReason))
	assert.Equal(t, "3", parked[0].Header(messaging.HeaderAttempts))
	assert.Equal(t, "poison", parked[0].Header(messaging.HeaderOrigQueue))
	assert.Equal(t, messaging.KeyAuthUserLoggedIn, parked[0].Header(HeaderOrigRoutingKey))
}

func TestSubscribe_PermanentErrorDeadLettersImmediately(t *testing.T) {
	b, tr := newBus(t, WithMaxAttempts(5))

	var mu sync.Mutex
	calls := 0
	_, err := b.Subscribe(context.Background(), "strict-handler", []string{"auth.#"}, func(context.Context, Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return Permanent(errors.New("bad payload"))
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), messaging.KeyAuthUserLoggedOut, map[string]any{}))

	require.Eventually(t, func() bool {
		return tr.QueueDepth(messaging.QueueDeadLetter) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	parked := tr.Drain(messaging.QueueDeadLetter)
	require.Len(t, parked, 1)
	assert.Contains(t, parked[0].Header(messaging.HeaderDeathReason), "bad payload")
	assert.Equal(t, "1", parked[0].Header(messaging.HeaderAttempts))
}

func TestSubscribe_UnboundedRetriesWhenCapDisabled(t *testing.T) {
	b, tr := newBus(t, WithMaxAttempts(0))

	var mu sync.Mutex
	calls := 0
	_, err := b.Subscribe(context.Background(), "forever", []string{"auth.#"}, func(context.Context, Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= DefaultMaxAttempts+2 {
			return errors.New("fail")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), messaging.KeyAuthUserSignedUp, map[string]any{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == DefaultMaxAttempts+3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.QueueDepth(messaging.QueueDeadLetter))
}

func TestSubscribe_UndecodableGoesStraightToDeadLetter(t *testing.T) {
	b, tr := newBus(t)

	called := make(chan struct{}, 1)
	s, err := b.Subscribe(context.Background(), "strict", []string{"api.#"}, func(context.Context, Envelope) error {
		called <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	waitReady(t, s)

	require.NoError(t, tr.Publish(context.Background(), &messaging.Message{
		RoutingKey: messaging.KeyAPIRequestCompleted,
		Data:       []byte("not json"),
	}))

	require.Eventually(t, func() bool {
		return tr.QueueDepth(messaging.QueueDeadLetter) == 1
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case <-called:
		t.Fatal("handler invoked for undecodable message")
	default:
	}

	parked := tr.Drain(messaging.QueueDeadLetter)
	assert.Equal(t, "1", parked[0].Header(messaging.HeaderAttempts))
	assert.Contains(t, parked[0].Header(messaging.HeaderDeathReason), "undecodable")
}

func TestSubscribe_RetriesUntilConnected(t *testing.T) {
	tr := memory.New()
	t.Cleanup(func() { _ = tr.Close() })
	b := New(tr, WithRetryInterval(10*time.Millisecond))
	t.Cleanup(func() { _ = b.Close() })

	got := make(chan Envelope, 1)
	s, err := b.Subscribe(context.Background(), "late", []string{"app.#"}, func(_ context.Context, env Envelope) error {
		got <- env
		return nil
	})
	require.NoError(t, err)

	select {
	case <-s.Ready():
		t.Fatal("ready before the transport connected")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, tr.Connect(context.Background()))
	waitReady(t, s)

	require.NoError(t, b.Publish(context.Background(), messaging.KeyAppApplicationCreated, map[string]any{}))
	select {
	case env := <-got:
		assert.Equal(t, messaging.KeyAppApplicationCreated, env.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered after late connect")
	}
}

func TestSubscribe_UnsubscribeStopsRetry(t *testing.T) {
	tr := memory.New()
	t.Cleanup(func() { _ = tr.Close() })
	b := New(tr, WithRetryInterval(10*time.Millisecond))

	s, err := b.Subscribe(context.Background(), "cancelled", []string{"app.#"}, func(context.Context, Envelope) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe())

	require.NoError(t, tr.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, tr.HasQueue("cancelled"))
}

func TestSubscribe_InvalidSpec(t *testing.T) {
	b, _ := newBus(t)
	handler := func(context.Context, Envelope) error { return nil }

	_, err := b.Subscribe(context.Background(), "", []string{"a.#"}, handler)
	assert.Error(t, err)
	_, err = b.Subscribe(context.Background(), "q", nil, handler)
	assert.Error(t, err)
	_, err = b.Subscribe(context.Background(), "q", []string{"a..b"}, handler)
	assert.ErrorIs(t, err, messaging.ErrInvalidPattern)
	_, err = b.Subscribe(context.Background(), "q", []string{"a.#"}, nil)
	assert.Error(t, err)
}

func TestSubscribe_PreservesOrderForSingleConsumer(t *testing.T) {
	b, _ := newBus(t)

	const n = 25
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	s, err := b.Subscribe(context.Background(), "ordered", []string{"api.#"}, func(_ context.Context, env Envelope) error {
		var p struct{ Seq int }
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, p.Seq)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	waitReady(t, s)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), messaging.KeyAPIRequestCompleted, map[string]int{"Seq": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all events delivered")
	}
	for i, seq := range order {
		assert.Equal(t, i, seq)
	}
}
