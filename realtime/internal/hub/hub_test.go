package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/common/notify"
)

func connect(t *testing.T, h *Hub, appID string, collections ...string) *Client {
	t.Helper()
	c, err := h.Connect(appID)
	require.NoError(t, err)
	for _, name := range collections {
		_, err := h.Subscribe(c, name)
		require.NoError(t, err)
	}
	return c
}

// frames drains everything currently queued for c.
func frames(t *testing.T, c *Client) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case msg, ok := <-c.Send():
			if !ok {
				return out
			}
			var f Frame
			require.NoError(t, json.Unmarshal(msg, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func events(fs []Frame) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Event)
	}
	return out
}

func change(app, collection string) models.FanoutEvent {
	return models.FanoutEvent{AppID: app, Collection: collection, Type: models.ChangeCreate, DocumentID: "d1"}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "app:a1", AppRoom("a1"))
	assert.Equal(t, "app:a1:collection:posts", CollectionRoom("a1", "posts"))
}

func TestConnect_JoinsAppRoom(t *testing.T) {
	h := New()
	c := connect(t, h, "a1")
	assert.Equal(t, "a1", c.AppID())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, 1, h.RoomSize(AppRoom("a1")))
	assert.Equal(t, 1, h.ClientCount())

	_, err := h.Connect("")
	assert.ErrorIs(t, err, models.ErrMissingAppID)
}

func TestBroadcast_Scoping(t *testing.T) {
	h := New()
	appOnly := connect(t, h, "a1")
	watchX := connect(t, h, "a1", "x")
	watchY := connect(t, h, "a1", "y")
	otherApp := connect(t, h, "a2", "x")

	sent, err := h.Broadcast(change("a1", "x"))
	require.NoError(t, err)
	assert.Equal(t, 4, sent) // three app frames plus one collection frame

	assert.Equal(t, []string{EventChange}, events(frames(t, appOnly)))
	assert.Equal(t, []string{EventChange, EventCollectionChange}, events(frames(t, watchX)))

	// A y watcher sees the app-level frame but never an x-scoped collection frame.
	assert.Equal(t, []string{EventChange}, events(frames(t, watchY)))
	assert.Empty(t, frames(t, otherApp))
}

func TestBroadcast_WithoutCollection(t *testing.T) {
	h := New()
	c := connect(t, h, "a1", "x")
	sent, err := h.Broadcast(change("a1", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{EventChange}, events(frames(t, c)))
}

func TestBroadcast_FramePayload(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock := clock.NewMock()
	mock.Set(at)
	h := New(WithClock(mock))
	c := connect(t, h, "a1", "posts")

	ev := change("a1", "posts")
	ev.Data = json.RawMessage(`{"title":"hi"}`)
	_, err := h.Broadcast(ev)
	require.NoError(t, err)

	got := frames(t, c)
	require.Len(t, got, 2)
	var payload models.FanoutEvent
	require.NoError(t, json.Unmarshal(got[1].Data, &payload))
	assert.Equal(t, "posts", payload.Collection)
	assert.Equal(t, "d1", payload.DocumentID)
	assert.JSONEq(t, `{"title":"hi"}`, string(payload.Data))
	assert.True(t, payload.Timestamp.Equal(at))
}

func TestBroadcast_Invalid(t *testing.T) {
	h := New()
	_, err := h.Broadcast(models.FanoutEvent{Type: models.ChangeCreate})
	assert.ErrorIs(t, err, models.ErrMissingAppID)

	_, err = h.Broadcast(models.FanoutEvent{AppID: "a1", Type: "upsert"})
	assert.ErrorIs(t, err, models.ErrInvalidChangeType)
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := New()
	c := connect(t, h, "a1")

	joined, err := h.Subscribe(c, "x")
	require.NoError(t, err)
	assert.True(t, joined)
	joined, err = h.Subscribe(c, "x")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, 1, h.RoomSize(CollectionRoom("a1", "x")))

	left, err := h.Unsubscribe(c, "x")
	require.NoError(t, err)
	assert.True(t, left)
	left, err = h.Unsubscribe(c, "x")
	require.NoError(t, err)
	assert.False(t, left)
	assert.Zero(t, h.RoomSize(CollectionRoom("a1", "x")))

	_, err = h.Subscribe(c, "")
	assert.ErrorIs(t, err, ErrMissingCollection)
}

func TestDisconnect_LeavesAllRooms(t *testing.T) {
	h := New()
	c := connect(t, h, "a1", "x", "y")
	h.Disconnect(c)
	h.Disconnect(c)

	assert.Zero(t, h.ClientCount())
	assert.Zero(t, h.RoomSize(AppRoom("a1")))
	assert.Zero(t, h.RoomSize(CollectionRoom("a1", "x")))
	_, ok := <-c.Send()
	assert.False(t, ok, "send queue is closed")

	_, err := h.Subscribe(c, "z")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, h.Send(c, ErrorFrame("late")), ErrClientClosed)
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	h := New(WithBufferSize(2))
	slow := connect(t, h, "a1")
	fast := connect(t, h, "a1")

	for i := 0; i < 3; i++ {
		_, err := h.Broadcast(change("a1", ""))
		require.NoError(t, err)
		frames(t, fast)
	}

	assert.Equal(t, 1, h.ClientCount())
	assert.Len(t, frames(t, slow), 2, "queued frames remain readable until the close")
	_, err := h.Subscribe(slow, "x")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestSend(t *testing.T) {
	h := New()
	c := connect(t, h, "a1")
	f, err := NewFrame(EventSubscribed, CollectionData{Collection: "x"})
	require.NoError(t, err)
	require.NoError(t, h.Send(c, f))

	got := frames(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, EventSubscribed, got[0].Event)
	assert.JSONEq(t, `{"collection":"x"}`, string(got[0].Data))
}

func TestSnapshot(t *testing.T) {
	h := New()
	connect(t, h, "a1", "x", "y")
	connect(t, h, "a1", "x")
	connect(t, h, "a2")

	all := h.Snapshot()
	require.Len(t, all, 2)
	assert.Equal(t, "a1", all[0].AppID)
	assert.Equal(t, 2, all[0].Connections)
	assert.Equal(t, map[string]int{"x": 2, "y": 1}, all[0].Collections)
	assert.Equal(t, 3, all[0].Subscriptions())
	assert.Equal(t, 1, all[1].Connections)

	some := h.Snapshot("a2", "a9")
	require.Len(t, some, 2)
	assert.Equal(t, "a2", some[0].AppID)
	assert.Equal(t, "a9", some[1].AppID)
	assert.Zero(t, some[1].Connections)
}

func TestNotify_ImplementsNotifier(t *testing.T) {
	h := New()
	c := connect(t, h, "a1")
	var n notify.Notifier = h
	require.NoError(t, n.Notify(context.Background(), change("a1", "x")))
	assert.Len(t, frames(t, c), 1)
}

func TestClose(t *testing.T) {
	h := New()
	c := connect(t, h, "a1", "x")
	h.Close()

	assert.Zero(t, h.ClientCount())
	_, ok := <-c.Send()
	assert.False(t, ok)
	_, err := h.Connect("a1")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_ConcurrentUse(t *testing.T) {
	h := New(WithBufferSize(1024))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.Connect("a1")
			if err != nil {
				return
			}
			_, _ = h.Subscribe(c, "x")
			_, _ = h.Broadcast(change("a1", "x"))
			h.Disconnect(c)
		}()
	}
	wg.Wait()
	assert.Zero(t, h.ClientCount())
}
