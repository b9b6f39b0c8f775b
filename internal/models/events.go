package models

import "github.com/goccy/go-json"

// Frame is the envelope of every WebSocket text frame, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the envelope published on the cross-tab redis channel.
type Event struct {
	Type      string      `json:"type"`
	ChannelId string      `json:"channelId"`
	Origin    string      `json:"origin"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Broadcast event types

const (
	EventInserted = "notification:inserted"
	EventRead     = "notification:read"
	EventReadAll  = "notification:read_all"
	EventRemoved  = "notification:removed"
	EventCleared  = "notification:cleared"
)

// Outbound payloads

type JoinData struct {
	UserId string `json:"userId"`
	EmpId  string `json:"empId,omitempty"`
}

type RoomData struct {
	RoomId string `json:"roomId"`
}

type SendMessageData struct {
	TempId     string `json:"tempId"`
	MessageId  string `json:"messageId,omitempty"`
	ChatId     string `json:"chatId,omitempty"`
	SenderId   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	ReceiverId string `json:"receiverId,omitempty"`
	Message    string `json:"message"`
	CreatedAt  string `json:"createdAt"`
}

type NewBidData struct {
	LoadId   string  `json:"loadId"`
	Rate     float64 `json:"rate"`
	BidderId string  `json:"bidderId"`
	Message  string  `json:"message,omitempty"`
}
