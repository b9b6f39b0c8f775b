// Package presence decides whether a notification should pop up given the
// conversation the user is looking at.
package presence

import (
	"net/url"
	"strings"
	"sync"

	"notify-relay/internal/models"
)

// ChatRoutePrefix is the path of every chat view.
const ChatRoutePrefix = "/chat"

// ShouldSuppress reports whether n concerns the chat that is open on screen.
// Only chat messages are ever suppressed; bids and payments always surface.
func ShouldSuppress(n models.Notification, current *models.ChatContext) bool {
	if current == nil || !n.IsMessage() {
		return false
	}
	if !IsChatRoute(current.Route) {
		return false
	}
	if current.ChatID != "" && n.ChatID != "" {
		return current.ChatID == n.ChatID
	}
	return current.CounterpartUserID != "" && n.SenderID == current.CounterpartUserID
}

// IsChatRoute reports whether path (with or without a query) is a chat view.
func IsChatRoute(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return path == ChatRoutePrefix || strings.HasPrefix(path, ChatRoutePrefix+"/")
}

// FromURL derives the chat context from a location such as
// "/chat?userId=B" or "/chat/c-17". It returns nil for non-chat routes and
// for chat routes that name no conversation.
func FromURL(raw string) *models.ChatContext {
	u, err := url.Parse(raw)
	if err != nil || !IsChatRoute(u.Path) {
		return nil
	}

	q := u.Query()
	ctx := &models.ChatContext{
		ChatID:            q.Get("chatId"),
		CounterpartUserID: q.Get("userId"),
		Route:             u.Path,
	}
	if ctx.ChatID == "" {
		ctx.ChatID = strings.Trim(strings.TrimPrefix(u.Path, ChatRoutePrefix), "/")
	}
	if ctx.ChatID == "" && ctx.CounterpartUserID == "" {
		return nil
	}
	return ctx
}

// Tracker holds the tab-wide current chat context. It is the only place the
// chat route is parsed.
type Tracker struct {
	mu        sync.RWMutex
	current   *models.ChatContext
	listeners []func(*models.ChatContext)
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Enter records that the user opened a chat view.
func (t *Tracker) Enter(ctx models.ChatContext) {
	if ctx.Route == "" {
		ctx.Route = ChatRoutePrefix
	}
	t.set(&ctx)
}

// Leave clears the current chat; new messages for it may pop up again.
func (t *Tracker) Leave() {
	t.set(nil)
}

// Navigate updates the context from the location the router moved to.
func (t *Tracker) Navigate(location string) {
	t.set(FromURL(location))
}

// Current returns a copy of the current context, or nil.
func (t *Tracker) Current() *models.ChatContext {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil {
		return nil
	}
	c := *t.current
	return &c
}

// Suppress applies ShouldSuppress against the current context.
func (t *Tracker) Suppress(n models.Notification) bool {
	return ShouldSuppress(n, t.Current())
}

// OnChange registers fn to run after every context change.
func (t *Tracker) OnChange(fn func(*models.ChatContext)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) set(ctx *models.ChatContext) {
	t.mu.Lock()
	t.current = ctx
	listeners := append([]func(*models.ChatContext){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		if ctx == nil {
			fn(nil)
			continue
		}
		c := *ctx
		fn(&c)
	}
}
