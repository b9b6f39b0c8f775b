// Package chat keeps per-conversation message threads, including messages
// sent from this client that the server has not acknowledged yet.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notify-relay/internal/api"
	"notify-relay/internal/models"
	"notify-relay/internal/ws"
)

const DefaultSendTimeout = 10 * time.Second

var (
	ErrEmptyBody = errors.New("message body is empty")
	ErrNotFound  = errors.New("message not found")
	ErrNotFailed = errors.New("message has not failed")
	ErrNoTarget  = errors.New("chat has neither a chat id nor a counterpart")
)

// Sender posts a message to the backend and returns the stored record.
type Sender interface {
	SendMessage(ctx context.Context, msg models.SendMessageData) (api.Record, error)
}

type Options struct {
	Self        models.Identity
	Sender      Sender
	Emitter     ws.Emitter
	SendTimeout time.Duration
	Logger      *zap.Logger
}

// Change is delivered to listeners after a thread was modified.
type Change struct {
	Key     string
	Message models.ChatMessage
}

type Messenger struct {
	self    models.Identity
	sender  Sender
	emitter ws.Emitter
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	mu        sync.Mutex
	threads   map[string][]models.ChatMessage
	keys      map[string]string // message id -> conversation key
	serverIDs map[string]string // acknowledged server id -> temp id
	listeners map[int]func(Change)
	nextID    int
}

func NewMessenger(opts Options) *Messenger {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Messenger{
		self:      opts.Self,
		sender:    opts.Sender,
		emitter:   opts.Emitter,
		timeout:   opts.SendTimeout,
		logger:    opts.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
		threads:   make(map[string][]models.ChatMessage),
		keys:      make(map[string]string),
		serverIDs: make(map[string]string),
		listeners: make(map[int]func(Change)),
	}
}

// Send appends a pending message to the thread of chat and posts it. The
// returned message is sent or failed; a failed message stays in the thread
// until Resend.
func (m *Messenger) Send(ctx context.Context, chat models.ChatContext, body string) (models.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.ChatMessage{}, ErrEmptyBody
	}
	if chat.ChatID == "" && chat.CounterpartUserID == "" {
		return models.ChatMessage{}, ErrNoTarget
	}

	id := m.newID()
	msg := models.ChatMessage{
		Notification: models.Notification{
			ID:         id,
			Kind:       models.KindMessage,
			Event:      ws.EventSendMessage,
			Title:      m.self.Name,
			Body:       body,
			SenderID:   m.self.UserID,
			SenderName: m.self.Name,
			ReceiverID: chat.CounterpartUserID,
			ChatID:     chat.ChatID,
			ClientID:   id,
			Timestamp:  m.now(),
			Read:       true,
			Source:     models.SourceLocal,
		},
		Status: models.StatusPending,
	}
	key := chat.Key(m.self.UserID)

	m.mu.Lock()
	m.threads[key] = append(m.threads[key], msg)
	m.keys[id] = key
	listeners := m.listenersLocked()
	m.mu.Unlock()
	notify(listeners, Change{Key: key, Message: msg})

	return m.deliver(ctx, key, msg)
}

// Resend retries a failed message under its original temp id.
func (m *Messenger) Resend(ctx context.Context, id string) (models.ChatMessage, error) {
	m.mu.Lock()
	key, ok := m.keys[id]
	if !ok {
		m.mu.Unlock()
		return models.ChatMessage{}, ErrNotFound
	}
	i := m.indexLocked(key, id)
	if i < 0 || !m.threads[key][i].Failed() {
		m.mu.Unlock()
		return models.ChatMessage{}, ErrNotFailed
	}
	msg := &m.threads[key][i]
	msg.Status = models.StatusPending
	msg.Error = ""
	pending := *msg
	listeners := m.listenersLocked()
	m.mu.Unlock()
	notify(listeners, Change{Key: key, Message: pending})

	m.logger.Info("[CHAT] Resending", zap.String("id", id))
	return m.deliver(ctx, key, pending)
}

func (m *Messenger) deliver(ctx context.Context, key string, msg models.ChatMessage) (models.ChatMessage, error) {
	out := models.SendMessageData{
		TempId:     msg.ID,
		ChatId:     msg.ChatID,
		SenderId:   msg.SenderID,
		SenderName: msg.SenderName,
		ReceiverId: msg.ReceiverID,
		Message:    msg.Body,
		CreatedAt:  msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	rec, err := m.sender.SendMessage(sendCtx, out)
	cancel()

	if err != nil {
		m.logger.Warn("[CHAT] Send failed", zap.String("id", msg.ID), zap.Error(err))
		failed, _ := m.update(key, msg.ID, func(cm *models.ChatMessage) {
			if cm.Status == models.StatusPending {
				cm.Status = models.StatusFailed
				cm.Error = err.Error()
			}
		})
		return failed, fmt.Errorf("send message: %w", err)
	}

	serverID := recordID(rec)
	sent, ok := m.acknowledge(key, msg.ID, serverID)
	if !ok {
		return msg, ErrNotFound
	}

	if m.emitter != nil {
		out.MessageId = sent.ServerID
		if err := m.emitter.Emit(ws.EventSendMessage, out); err != nil {
			m.logger.Debug("[CHAT] Socket echo skipped", zap.String("id", msg.ID), zap.Error(err))
		}
	}
	return sent, nil
}

// acknowledge marks id sent under serverID and drops an echo of it that
// arrived before the acknowledgement. A failed message is left as it is.
func (m *Messenger) acknowledge(key, id, serverID string) (models.ChatMessage, bool) {
	m.mu.Lock()
	i := m.indexLocked(key, id)
	if i < 0 || m.threads[key][i].Failed() {
		m.mu.Unlock()
		return models.ChatMessage{}, false
	}
	cm := &m.threads[key][i]
	cm.Status = models.StatusSent
	cm.Error = ""
	if cm.ServerID == "" {
		cm.ServerID = serverID
	}
	sent := *cm

	if sent.ServerID != "" && sent.ServerID != id {
		m.serverIDs[sent.ServerID] = id
		// The echo may have been filed under another key when it carried
		// neither a chat id nor a receiver.
		if echoKey, ok := m.keys[sent.ServerID]; ok {
			if j := m.indexLocked(echoKey, sent.ServerID); j >= 0 {
				m.threads[echoKey] = append(m.threads[echoKey][:j], m.threads[echoKey][j+1:]...)
				if len(m.threads[echoKey]) == 0 {
					delete(m.threads, echoKey)
				}
			}
			delete(m.keys, sent.ServerID)
		}
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	notify(listeners, Change{Key: key, Message: sent})
	return sent, true
}

// Receive adds a message that came from the server. An echo of a message this
// client sent is folded into the optimistic copy. It reports whether a new
// message was appended.
func (m *Messenger) Receive(n models.Notification) bool {
	if !n.IsMessage() || n.ID == "" {
		return false
	}

	if n.ClientID != "" {
		m.mu.Lock()
		key, ok := m.keys[n.ClientID]
		m.mu.Unlock()
		if ok && n.ClientID != n.ID {
			if _, acked := m.acknowledge(key, n.ClientID, n.ID); !acked {
				m.logger.Debug("[CHAT] Echo of a failed message ignored", zap.String("id", n.ClientID), zap.String("server_id", n.ID))
			}
			return false
		}
	}

	m.mu.Lock()
	if _, acked := m.serverIDs[n.ID]; acked {
		m.mu.Unlock()
		return false
	}
	if _, seen := m.keys[n.ID]; seen {
		m.mu.Unlock()
		return false
	}

	key := m.keyFor(n)
	msg := models.ChatMessage{Notification: n}
	m.threads[key] = append(m.threads[key], msg)
	m.keys[n.ID] = key
	listeners := m.listenersLocked()
	m.mu.Unlock()

	notify(listeners, Change{Key: key, Message: msg})
	return true
}

// Messages returns the thread under key, oldest first.
func (m *Messenger) Messages(key string) []models.ChatMessage {
	m.mu.Lock()
	out := make([]models.ChatMessage, len(m.threads[key]))
	copy(out, m.threads[key])
	m.mu.Unlock()

	models.SortByTimestamp(out)
	return out
}

// Thread returns the messages of the conversation chat points at.
func (m *Messenger) Thread(chat models.ChatContext) []models.ChatMessage {
	return m.Messages(chat.Key(m.self.UserID))
}

// Get looks a message up by its temp or server id.
func (m *Messenger) Get(id string) (models.ChatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if temp, ok := m.serverIDs[id]; ok {
		id = temp
	}
	key, ok := m.keys[id]
	if !ok {
		return models.ChatMessage{}, false
	}
	i := m.indexLocked(key, id)
	if i < 0 {
		return models.ChatMessage{}, false
	}
	return m.threads[key][i], true
}

// KeyFor returns the conversation key a received message is filed under.
func (m *Messenger) KeyFor(n models.Notification) string {
	return m.keyFor(n)
}

// OnChange registers fn for every thread modification.
func (m *Messenger) OnChange(fn func(Change)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Messenger) keyFor(n models.Notification) string {
	a, b := n.SenderID, n.ReceiverID
	if b == "" && a != m.self.UserID {
		b = m.self.UserID
	}
	return models.ConversationKey(n.ChatID, a, b)
}

func (m *Messenger) update(key, id string, fn func(*models.ChatMessage)) (models.ChatMessage, bool) {
	m.mu.Lock()
	i := m.indexLocked(key, id)
	if i < 0 {
		m.mu.Unlock()
		return models.ChatMessage{}, false
	}
	fn(&m.threads[key][i])
	cm := m.threads[key][i]
	listeners := m.listenersLocked()
	m.mu.Unlock()

	notify(listeners, Change{Key: key, Message: cm})
	return cm, true
}

func (m *Messenger) indexLocked(key, id string) int {
	for i, cm := range m.threads[key] {
		if cm.ID == id {
			return i
		}
	}
	return -1
}

func (m *Messenger) listenersLocked() []func(Change) {
	out := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}

// recordID finds the server id in a send response, which may wrap the stored
// message in "data" or "message".
func recordID(rec api.Record) string {
	for _, key := range []string{"id", "_id", "messageId"} {
		switch v := rec[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	for _, wrap := range []string{"data", "message"} {
		if inner, ok := rec[wrap].(map[string]any); ok {
			if id := recordID(inner); id != "" {
				return id
			}
		}
	}
	return ""
}
