package surface

import (
	"sync"

	"notify-relay/internal/chat"
	"notify-relay/internal/models"
)

// ChatList is the message list of one conversation.
type ChatList struct {
	messenger *chat.Messenger
	key       string

	mu     sync.Mutex
	seen   map[string]struct{}
	cancel func()
}

func NewChatList(m *chat.Messenger, key string) *ChatList {
	l := &ChatList{messenger: m, key: key, seen: make(map[string]struct{})}
	for _, msg := range m.Messages(key) {
		l.seen[msg.ID] = struct{}{}
	}
	return l
}

func (l *ChatList) Key() string { return l.key }

// Messages returns the conversation oldest first.
func (l *ChatList) Messages() []models.ChatMessage {
	return l.messenger.Messages(l.key)
}

// OnGrow calls fn once for every message appended to the conversation, which
// is when the view scrolls to the bottom. Status updates do not count.
func (l *ChatList) OnGrow(fn func(models.ChatMessage)) {
	cancel := l.messenger.OnChange(func(c chat.Change) {
		if c.Key != l.key {
			return
		}
		l.mu.Lock()
		_, known := l.seen[c.Message.ID]
		l.seen[c.Message.ID] = struct{}{}
		l.mu.Unlock()
		if !known {
			fn(c.Message)
		}
	})

	l.mu.Lock()
	prev := l.cancel
	l.cancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
	l.mu.Unlock()
}

// Close detaches every OnGrow hook.
func (l *ChatList) Close() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
