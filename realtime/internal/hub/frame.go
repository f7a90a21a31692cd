package hub

import (
	"encoding/json"
	"fmt"
)

// Client-to-server events.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
)

// Server-to-client events.
const (
	EventConnected        = "connected"
	EventChange           = "change"
	EventCollectionChange = "collection:change"
	EventSubscribed       = "subscribed"
	EventUnsubscribed     = "unsubscribed"
	EventError            = "error"
)

// Frame is one message on a client socket, in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CollectionData is the payload of subscribe and unsubscribe frames and
// their acknowledgements.
type CollectionData struct {
	Collection string `json:"collection"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// ConnectedData is the payload of the connected frame.
type ConnectedData struct {
	ClientID string `json:"clientId"`
	AppID    string `json:"appId"`
	Room     string `json:"room"`
}

// NewFrame encodes data as the payload of an event frame.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// ErrorFrame builds an error frame. It cannot fail.
func ErrorFrame(message string) Frame {
	raw, _ := json.Marshal(ErrorData{Message: message})
	return Frame{Event: EventError, Data: raw}
}

// Encode returns the wire form of f.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// AppRoom names the room every connection of an app joins.
func AppRoom(appID string) string {
	return "app:" + appID
}

// CollectionRoom names the opt-in room for one collection of an app.
func CollectionRoom(appID, collection string) string {
	return AppRoom(appID) + ":collection:" + collection
}
