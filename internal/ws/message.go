package ws

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"notify-relay/internal/models"
)

// Outbound event names.
const (
	EventJoin           = "join"
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventSendMessage    = "send-message"
	EventPrivateMessage = "private_message"
	EventNewBid         = "new-bid"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBufferFull   = errors.New("send buffer full")
)

// Emitter is the part of the connection delivery surfaces may use. It has no
// way to disconnect; only the owner of the Manager can.
type Emitter interface {
	Emit(event string, data any) error
	JoinRoom(roomID string)
	LeaveRoom(roomID string)
	State() State
}

// encodeFrame marshals an outbound frame.
func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(models.Frame{Event: event, Data: raw})
}

// decodeFrame parses an inbound frame. Frames without an event name are
// rejected.
func decodeFrame(message []byte) (models.Frame, error) {
	var f models.Frame
	if err := json.Unmarshal(message, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return f, errors.New("frame has no event")
	}
	return f, nil
}
