package surface

import (
	"notify-relay/internal/models"
	"notify-relay/internal/store"
)

// Bell is the persistent notification history with its unread badge.
type Bell struct {
	store *store.Store
}

func NewBell(st *store.Store) *Bell {
	return &Bell{store: st}
}

// Items returns the history newest first.
func (b *Bell) Items() []models.Notification {
	items := b.store.Snapshot()
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

func (b *Bell) Get(id string) (models.Notification, bool) { return b.store.Get(id) }

func (b *Bell) Len() int { return b.store.Len() }

func (b *Bell) UnreadCount() int { return b.store.UnreadCount() }

func (b *Bell) MarkRead(id string) bool { return b.store.MarkRead(id) }

func (b *Bell) MarkAllRead() int { return b.store.MarkAllRead() }

func (b *Bell) Clear() int { return b.store.Clear() }

// OnChange registers fn for every history change.
func (b *Bell) OnChange(fn func(store.Change)) (cancel func()) {
	return b.store.Subscribe(fn)
}
