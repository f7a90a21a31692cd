package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbus-baas/nimbus-stack/common/logging"
	"github.com/nimbus-baas/nimbus-stack/realtime/internal/hub"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	defaultReadLimit = 4096
)

// ServeWS handles GET /realtime?appId=... The connection joins the app room
// and may then subscribe to collection rooms.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Debug("websocket upgrade failed", logging.Error(err))
		return
	}

	appID := r.URL.Query().Get("appId")
	if appID == "" {
		h.reject(conn, "appId query parameter is required")
		return
	}
	client, err := h.hub.Connect(appID)
	if err != nil {
		h.reject(conn, err.Error())
		return
	}

	s := &session{
		conn:   conn,
		client: client,
		hub:    h.hub,
		log:    h.log.With("client_id", client.ID(), logging.AppID(appID)),
	}
	if f, err := hub.NewFrame(hub.EventConnected, hub.ConnectedData{
		ClientID: client.ID(),
		AppID:    appID,
		Room:     hub.AppRoom(appID),
	}); err == nil {
		_ = h.hub.Send(client, f)
	}

	go s.writePump()
	s.readPump(h.readLimit)
}

// reject sends an error frame and closes the socket.
func (h *Handler) reject(conn *websocket.Conn, message string) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hub.ErrorFrame(message)); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}

// session pumps one connection. readPump runs on the handler goroutine and
// owns the hub registration; writePump is the only writer to conn.
type session struct {
	conn   *websocket.Conn
	client *hub.Client
	hub    *hub.Hub
	log    *slog.Logger
}

func (s *session) readPump(limit int64) {
	defer func() {
		s.hub.Disconnect(s.client)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(limit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg []byte) {
	var f hub.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		s.reply(hub.ErrorFrame("invalid frame: " + err.Error()))
		return
	}

	switch f.Event {
	case hub.EventSubscribe, hub.EventUnsubscribe:
		var data hub.CollectionData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &data); err != nil {
				s.reply(hub.ErrorFrame("invalid " + f.Event + " data: " + err.Error()))
				return
			}
		}

		ack := hub.EventSubscribed
		var err error
		if f.Event == hub.EventSubscribe {
			_, err = s.hub.Subscribe(s.client, data.Collection)
		} else {
			ack = hub.EventUnsubscribed
			_, err = s.hub.Unsubscribe(s.client, data.Collection)
		}
		switch {
		case errors.Is(err, hub.ErrMissingCollection):
			s.reply(hub.ErrorFrame(f.Event + ": collection is required"))
			return
		case err != nil:
			return
		}
		if ackFrame, err := hub.NewFrame(ack, data); err == nil {
			s.reply(ackFrame)
		}
	default:
		s.reply(hub.ErrorFrame("unknown event " + `"` + f.Event + `"`))
	}
}

func (s *session) reply(f hub.Frame) {
	if err := s.hub.Send(s.client, f); err != nil {
		s.log.Debug("reply not queued", "event", f.Event, logging.Error(err))
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.client.Send():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Disconnected by the hub.
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
