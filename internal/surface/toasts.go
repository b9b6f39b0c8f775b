package surface

import (
	"time"

	"go.uber.org/zap"

	"notify-relay/internal/models"
	"notify-relay/internal/store"
)

const DefaultPopupTTL = 8 * time.Second

// Toasts are the transient popups. Clearing them never touches the bell.
type Toasts struct {
	store  *store.Store
	router Router
	ttl    time.Duration
	logger *zap.Logger
}

func NewToasts(popups *store.Store, router Router, ttl time.Duration, logger *zap.Logger) *Toasts {
	if ttl <= 0 {
		ttl = DefaultPopupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toasts{store: popups, router: router, ttl: ttl, logger: logger}
}

// Show pops n up until the TTL runs out or it is dismissed.
func (t *Toasts) Show(n models.Notification) bool {
	return t.store.InsertTransient(n, t.ttl)
}

// Items returns the visible popups, oldest first.
func (t *Toasts) Items() []models.Notification {
	return t.store.Snapshot()
}

// Click navigates to the popup's target and removes it.
func (t *Toasts) Click(id string) (string, bool) {
	n, ok := t.store.Get(id)
	if !ok {
		return "", false
	}
	route := RouteFor(n)
	t.store.Remove(id)
	if t.router != nil {
		t.router.Navigate(route)
	}
	t.logger.Debug("[TOAST] Clicked", zap.String("id", id), zap.String("route", route))
	return route, true
}

func (t *Toasts) Dismiss(id string) bool {
	return t.store.Remove(id)
}

// ClearAll dismisses every popup.
func (t *Toasts) ClearAll() int {
	return t.store.Clear()
}

func (t *Toasts) OnChange(fn func(store.Change)) (cancel func()) {
	return t.store.Subscribe(fn)
}
