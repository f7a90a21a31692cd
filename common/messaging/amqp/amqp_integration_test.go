package amqp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
)

func runRabbitMQ(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestIntegration_PublishConsumeRedeliver(t *testing.T) {
	url := runRabbitMQ(t)
	ctx := context.Background()

	tr := New(Config{URL: url, ReconnectDelay: time.Second})
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	attempts := make(chan int, 4)
	_, err := tr.Consume(ctx, messaging.QueueSpec{
		Name:     "it.events",
		Patterns: []string{"database.#"},
		Durable:  true,
	}, func(_ context.Context, d messaging.Delivery) {
		attempts <- d.Attempt()
		if d.Attempt() < 2 {
			_ = d.Nak()
			return
		}
		_ = d.Ack()
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, &messaging.Message{
		RoutingKey: "database.document.created",
		Data:       []byte(`{}`),
		Persistent: true,
	}))

	for want := 1; want <= 2; want++ {
		select {
		case got := <-attempts:
			assert.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatalf("attempt %d not delivered", want)
		}
	}
}

func TestIntegration_ReplyQueue(t *testing.T) {
	url := runRabbitMQ(t)
	ctx := context.Background()

	tr := New(Config{URL: url})
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	rq, err := tr.OpenReplyQueue(ctx)
	require.NoError(t, err)
	defer rq.Close()

	require.NoError(t, tr.Reply(ctx, rq.Name(), &messaging.Message{CorrelationID: "abc", Data: []byte(`{"ok":true}`)}))

	select {
	case m := <-rq.Messages():
		assert.Equal(t, "abc", m.CorrelationID)
	case <-time.After(10 * time.Second):
		t.Fatal("reply not received")
	}
}

func TestIntegration_ChannelErrorsRecoverWithoutReconnect(t *testing.T) {
	url := runRabbitMQ(t)
	ctx := context.Background()

	tr := New(Config{URL: url, ReconnectDelay: 200 * time.Millisecond})
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	got := make(chan string, 8)
	sub, err := tr.Consume(ctx, messaging.QueueSpec{
		Name:     "it.channels",
		Patterns: []string{"storage.#"},
		Durable:  true,
	}, func(_ context.Context, d messaging.Delivery) {
		got <- d.Message().RoutingKey
		_ = d.Ack()
	})
	require.NoError(t, err)
	c := sub.(*consumer)

	c.mu.Lock()
	consumerCh := c.ch
	c.mu.Unlock()
	tr.mu.RLock()
	pubCh := tr.pubCh
	tr.mu.RUnlock()
	conn := tr.currentConn()

	// A passive declare of a missing queue makes the broker close the channel with 404.
	_, err = consumerCh.QueueDeclarePassive("it.missing", false, false, false, false, nil)
	require.Error(t, err)
	_, err = pubCh.QueueDeclarePassive("it.missing", false, false, false, false, nil)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ch != consumerCh && !c.ch.IsClosed()
	}, 10*time.Second, 50*time.Millisecond, "consumer channel not restarted")
	require.Eventually(t, func() bool {
		tr.mu.RLock()
		defer tr.mu.RUnlock()
		return tr.pubCh != pubCh && !tr.pubCh.IsClosed()
	}, 10*time.Second, 50*time.Millisecond, "publish channel not reopened")
	assert.Same(t, conn, tr.currentConn(), "connection should survive channel errors")

	require.NoError(t, tr.Publish(ctx, &messaging.Message{RoutingKey: "storage.file.uploaded", Data: []byte(`{}`)}))
	select {
	case key := <-got:
		assert.Equal(t, "storage.file.uploaded", key)
	case <-time.After(10 * time.Second):
		t.Fatal("message not delivered after channel recovery")
	}
}

func TestIntegration_DeletedQueueIsRedeclared(t *testing.T) {
	url := runRabbitMQ(t)
	ctx := context.Background()

	tr := New(Config{URL: url, ReconnectDelay: 200 * time.Millisecond})
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })

	got := make(chan struct{}, 4)
	_, err := tr.Consume(ctx, messaging.QueueSpec{
		Name:     "it.deleted",
		Patterns: []string{"auth.#"},
		Durable:  true,
	}, func(_ context.Context, d messaging.Delivery) {
		got <- struct{}{}
		_ = d.Ack()
	})
	require.NoError(t, err)

	ch, err := tr.openChannel()
	require.NoError(t, err)
	_, err = ch.QueueDelete("it.deleted", false, false, false)
	require.NoError(t, err)
	_ = ch.Close()

	// The consumer redeclares and rebinds its queue once the broker cancels it.
	require.Eventually(t, func() bool {
		_ = tr.Publish(ctx, &messaging.Message{RoutingKey: "auth.user.loggedin", Data: []byte(`{}`)})
		select {
		case <-got:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 15*time.Second, 100*time.Millisecond)
}
