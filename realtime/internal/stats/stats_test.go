package stats

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-baas/nimbus-stack/common/messaging"
	"github.com/nimbus-baas/nimbus-stack/common/messaging/memory"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/rpc"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/hub"
)

func populated(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New()
	for _, subs := range [][]string{{"posts", "users"}, {"posts"}, nil} {
		c, err := h.Connect("a1")
		require.NoError(t, err)
		for _, s := range subs {
			_, err := h.Subscribe(c, s)
			require.NoError(t, err)
		}
	}
	_, err := h.Connect("a2")
	require.NoError(t, err)
	return h
}

func TestStats_Counts(t *testing.T) {
	at := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	mock := clock.NewMock()
	mock.Set(at)

	resp, err := New(populated(t), mock).Stats(context.Background(), models.StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, ServiceName, resp.Service)
	assert.True(t, resp.GeneratedAt.Equal(at))
	require.Len(t, resp.Apps, 2)

	a1 := resp.App("a1").Counters
	assert.Equal(t, int64(3), a1[CounterConnections])
	assert.Equal(t, int64(2), a1[CounterCollections])
	assert.Equal(t, int64(3), a1[CounterSubscriptions])
	assert.Equal(t, int64(2), a1["collection.posts"])
	assert.Equal(t, int64(1), resp.App("a2").Counters[CounterConnections])
}

func TestStats_RequestedAppsOnly(t *testing.T) {
	resp, err := New(populated(t), nil).Stats(context.Background(), models.StatsRequest{AppIDs: []string{"a2", "idle"}})
	require.NoError(t, err)
	require.Len(t, resp.Apps, 2)
	assert.Nil(t, resp.App("a1"))
	assert.Zero(t, resp.App("idle").Counters[CounterConnections])
}

func TestRegister_AnswersRPC(t *testing.T) {
	tr := memory.New()
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	client := rpc.NewClient(tr)

	responder, err := New(populated(t), nil).Register(context.Background(), client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = responder.Close() })
	<-responder.Ready()

	resp, err := rpc.Call[models.StatsRequest, models.StatsResponse](context.Background(), client,
		messaging.RPCRealtimeStats, models.StatsRequest{AppIDs: []string{"a1"}}, time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Apps, 1)
	assert.Equal(t, int64(3), resp.Apps[0].Counters[CounterConnections])
}
