package models

import (
	"net/url"
	"sort"
	"time"
)

// Kind classifies a notification. It is decided by the inbound event name.
type Kind string

const (
	KindMessage     Kind = "message"
	KindNewBid      Kind = "new_bid"
	KindBidAccepted Kind = "bid_accepted"
	KindBidRejected Kind = "bid_rejected"
	KindPayment     Kind = "payment"
	KindGeneric     Kind = "generic"
)

// Source records which delivery path produced a notification.
type Source string

const (
	SourceSocket    Source = "socket"
	SourcePoll      Source = "poll"
	SourceBroadcast Source = "broadcast"
	SourceLocal     Source = "local"
)

// Notification is the canonical post-normalization shape. ID is the dedup key.
type Notification struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Event      string         `json:"event,omitempty"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	SenderID   string         `json:"senderId,omitempty"`
	SenderName string         `json:"senderName,omitempty"`
	ReceiverID string         `json:"receiverId,omitempty"`
	ChatID     string         `json:"chatId,omitempty"`
	ClientID   string         `json:"clientId,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Read       bool           `json:"read"`
	Source     Source         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// IsMessage reports whether n is a chat message.
func (n Notification) IsMessage() bool {
	return n.Kind == KindMessage
}

// SendStatus is the state of a chat message sent from this client.
type SendStatus string

const (
	StatusPending SendStatus = "pending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// ChatMessage is a Notification scoped to one conversation.
type ChatMessage struct {
	Notification
	Status   SendStatus `json:"status,omitempty"`
	ServerID string     `json:"serverId,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func (m ChatMessage) IsOptimistic() bool { return m.Status == StatusPending }

func (m ChatMessage) Failed() bool { return m.Status == StatusFailed }

// ConversationKey identifies a conversation: the chat id when there is one,
// otherwise the unordered pair of participants.
func ConversationKey(chatID, a, b string) string {
	if chatID != "" {
		return "chat:" + chatID
	}
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// SortByTimestamp sorts messages ascending by timestamp, keeping arrival order
// for equal timestamps.
func SortByTimestamp(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// ChatContext points at the conversation the user is viewing.
type ChatContext struct {
	ChatID            string `json:"chatId,omitempty"`
	CounterpartUserID string `json:"counterpartUserId,omitempty"`
	Route             string `json:"route,omitempty"`
}

// Key returns the conversation key of the open chat as seen by self.
func (c ChatContext) Key(self string) string {
	return ConversationKey(c.ChatID, self, c.CounterpartUserID)
}

// Query returns the url query selecting this conversation.
func (c ChatContext) Query() url.Values {
	q := url.Values{}
	if c.ChatID != "" {
		q.Set("chatId", c.ChatID)
	}
	if c.CounterpartUserID != "" {
		q.Set("userId", c.CounterpartUserID)
	}
	return q
}

// Identity is who the session belongs to.
type Identity struct {
	UserID string `json:"userId"`
	EmpID  string `json:"empId,omitempty"`
	Name   string `json:"name,omitempty"`
}

func (i Identity) IsZero() bool {
	return i.UserID == "" && i.EmpID == ""
}

// Key is the id used for rooms and channels: the user id, or the employee id.
func (i Identity) Key() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.EmpID
}
