// Package hub keeps the realtime room registry and fans mutation events out
// to connected clients.
//
// Every client is in exactly one app room, app:{appId}, and in zero or more
// collection rooms, app:{appId}:collection:{name}. A fan-out event goes to
// the app room as a "change" frame and, when it names a collection, to that
// collection's room as a "collection:change" frame.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/common/models"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/metrics"
)

// DefaultBufferSize is the per-client send queue length.
const DefaultBufferSize = 64

var (
	ErrClientClosed      = errors.New("client is disconnected")
	ErrMissingCollection = errors.New("collection is required")
	ErrHubClosed         = errors.New("hub is closed")
)

// Client is one connection registered with the hub.
type Client struct {
	id    string
	appID string
	send  chan []byte

	// Guarded by Hub.mu.
	collections map[string]struct{}
	closed      bool
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// AppID returns the app the client connected for.
func (c *Client) AppID() string { return c.appID }

// Send returns the client's outbound queue. It is closed when the client is
// disconnected.
func (c *Client) Send() <-chan []byte { return c.send }

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-client send queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithClock sets the clock used to stamp events without a timestamp.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// Hub is the process-local room registry.
type Hub struct {
	bufferSize int
	log        *slog.Logger
	clock      clock.Clock

	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	closed  bool
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
		log:        slog.Default(),
		clock:      clock.New(),
		rooms:      make(map[string]map[*Client]struct{}),
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bufferSize <= 0 {
		h.bufferSize = DefaultBufferSize
	}
	return h
}

// Connect registers a client for appID and joins it to the app room.
func (h *Hub) Connect(appID string) (*Client, error) {
	if appID == "" {
		return nil, models.ErrMissingAppID
	}
	c := &Client{
		id:          uuid.NewString(),
		appID:       appID,
		send:        make(chan []byte, h.bufferSize),
		collections: make(map[string]struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.clients[c] = struct{}{}
	h.joinLocked(AppRoom(appID), c)
	metrics.ConnectedClients.Inc()

	h.log.Debug("client connected", "client_id", c.id, logging.AppID(appID))
	return c, nil
}

// Disconnect removes c from every room and closes its send queue. It is
// safe to call more than once.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectLocked(c)
}

func (h *Hub) disconnectLocked(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	h.leaveLocked(AppRoom(c.appID), c)
	for name := range c.collections {
		h.leaveLocked(CollectionRoom(c.appID, name), c)
	}
	metrics.CollectionSubscriptions.Sub(float64(len(c.collections)))
	c.collections = nil
	delete(h.clients, c)
	close(c.send)
	metrics.ConnectedClients.Dec()

	h.log.Debug("client disconnected", "client_id", c.id, logging.AppID(c.appID))
}

// Subscribe joins c to a collection room. joined is false when c was already
// a member.
func (h *Hub) Subscribe(c *Client, collection string) (joined bool, err error) {
	if collection == "" {
		return false, ErrMissingCollection
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false, ErrClientClosed
	}
	if _, ok := c.collections[collection]; ok {
		return false, nil
	}
	c.collections[collection] = struct{}{}
	h.joinLocked(CollectionRoom(c.appID, collection), c)
	metrics.CollectionSubscriptions.Inc()
	return true, nil
}

// Unsubscribe removes c from a collection room. left is false when c was not
// a member.
func (h *Hub) Unsubscribe(c *Client, collection string) (left bool, err error) {
	if collection == "" {
		return false, ErrMissingCollection
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false, ErrClientClosed
	}
	if _, ok := c.collections[collection]; !ok {
		return false, nil
	}
	delete(c.collections, collection)
	h.leaveLocked(CollectionRoom(c.appID, collection), c)
	metrics.CollectionSubscriptions.Dec()
	return true, nil
}

func (h *Hub) joinLocked(room string, c *Client) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leaveLocked(room string, c *Client) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Send queues a frame for one client. A client whose queue is full is
// dropped.
func (h *Hub) Send(c *Client, f Frame) error {
	msg, err := f.Encode()
	if err != nil {
		return err
	}
	h.mu.RLock()
	if c.closed {
		h.mu.RUnlock()
		return ErrClientClosed
	}
	ok := queue(c, msg)
	h.mu.RUnlock()

	if !ok {
		h.drop([]*Client{c})
		return ErrClientClosed
	}
	metrics.FramesSent.WithLabelValues(f.Event).Inc()
	return nil
}

// queue must be called with h.mu held.
func queue(c *Client, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Broadcast delivers ev to its app room and, when it names a collection, to
// that collection's room. It returns how many frames were queued.
func (h *Hub) Broadcast(ev models.FanoutEvent) (int, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.clock.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal fanout event: %w", err)
	}
	appMsg, err := Frame{Event: EventChange, Data: payload}.Encode()
	if err != nil {
		return 0, err
	}

	var slow []*Client
	sent := 0
	h.mu.RLock()
	for c := range h.rooms[AppRoom(ev.AppID)] {
		if queue(c, appMsg) {
			sent++
		} else {
			slow = append(slow, c)
		}
	}
	metrics.Broadcasts.WithLabelValues("app").Inc()
	metrics.FramesSent.WithLabelValues(EventChange).Add(float64(sent))

	if ev.Collection != "" {
		collMsg, err := Frame{Event: EventCollectionChange, Data: payload}.Encode()
		if err != nil {
			h.mu.RUnlock()
			return sent, err
		}
		collSent := 0
		for c := range h.rooms[CollectionRoom(ev.AppID, ev.Collection)] {
			if queue(c, collMsg) {
				collSent++
			} else {
				slow = append(slow, c)
			}
		}
		sent += collSent
		metrics.Broadcasts.WithLabelValues("collection").Inc()
		metrics.FramesSent.WithLabelValues(EventCollectionChange).Add(float64(collSent))
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.drop(slow)
	}
	return sent, nil
}

// Notify broadcasts ev, making the hub the in-process notifier for
// mutation.Emitter.
func (h *Hub) Notify(_ context.Context, ev models.FanoutEvent) error {
	_, err := h.Broadcast(ev)
	return err
}

func (h *Hub) drop(clients []*Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range clients {
		if c.closed {
			continue
		}
		h.log.Warn("dropping slow client", "client_id", c.id, logging.AppID(c.appID))
		metrics.DroppedClients.Inc()
		h.disconnectLocked(c)
	}
}

// AppSnapshot describes the live membership of one app.
type AppSnapshot struct {
	AppID       string
	Connections int
	// Collections maps collection name to subscriber count.
	Collections map[string]int
}

// Subscriptions is the total number of collection memberships.
func (s AppSnapshot) Subscriptions() int {
	n := 0
	for _, v := range s.Collections {
		n += v
	}
	return n
}

// Snapshot returns the membership of the given apps, or of every app with a
// connection when appIDs is empty. Results are sorted by app id.
func (h *Hub) Snapshot(appIDs ...string) []AppSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byApp := make(map[string]*AppSnapshot)
	for _, id := range appIDs {
		byApp[id] = &AppSnapshot{AppID: id, Collections: map[string]int{}}
	}
	for c := range h.clients {
		snap, ok := byApp[c.appID]
		if !ok {
			if len(appIDs) > 0 {
				continue
			}
			snap = &AppSnapshot{AppID: c.appID, Collections: map[string]int{}}
			byApp[c.appID] = snap
		}
		snap.Connections++
		for name := range c.collections {
			snap.Collections[name]++
		}
	}

	out := make([]AppSnapshot, 0, len(byApp))
	for _, s := range byApp {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of members of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.disconnectLocked(c)
	}
}
