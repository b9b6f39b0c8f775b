package surface

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"notify-relay/internal/chat"
	"notify-relay/internal/models"
	"notify-relay/internal/store"
)

func TestRouteFor(t *testing.T) {
	tests := []struct {
		name string
		n    models.Notification
		want string
	}{
		{"chat by id", models.Notification{Kind: models.KindMessage, ChatID: "c1", SenderID: "B"}, "/chat?chatId=c1"},
		{"direct message", models.Notification{Kind: models.KindMessage, SenderID: "B"}, "/chat?userId=B"},
		{"message without sender", models.Notification{Kind: models.KindMessage}, "/chat"},
		{"new bid", models.Notification{Kind: models.KindNewBid, Payload: map[string]any{"loadId": "L 1"}}, "/bids?loadId=L+1"},
		{"bid accepted without load", models.Notification{Kind: models.KindBidAccepted}, "/bids"},
		{"bid rejected", models.Notification{Kind: models.KindBidRejected, Payload: map[string]any{"loadId": "L2"}}, "/bids?loadId=L2"},
		{"numeric load id", models.Notification{Kind: models.KindNewBid, Payload: map[string]any{"loadId": float64(1042)}}, "/bids?loadId=1042"},
		{"payment", models.Notification{Kind: models.KindPayment}, "/payments"},
		{"generic", models.Notification{Kind: models.KindGeneric}, "/notifications"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RouteFor(tt.n); got != tt.want {
				t.Errorf("RouteFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func note(id string, kind models.Kind) models.Notification {
	return models.Notification{ID: id, Kind: kind, Title: "t " + id, Body: "b " + id, SenderID: "B"}
}

func TestBell(t *testing.T) {
	b := NewBell(store.New("bell"))
	b.store.Insert(note("1", models.KindGeneric))
	b.store.Insert(note("2", models.KindPayment))
	b.store.Insert(note("3", models.KindMessage))

	items := b.Items()
	if len(items) != 3 || items[0].ID != "3" || items[2].ID != "1" {
		t.Fatalf("Items = %+v", items)
	}
	if !b.MarkRead("2") || b.UnreadCount() != 2 {
		t.Errorf("after MarkRead unread = %d", b.UnreadCount())
	}
	if n := b.MarkAllRead(); n != 2 || b.UnreadCount() != 0 {
		t.Errorf("MarkAllRead = %d, unread = %d", n, b.UnreadCount())
	}
	if n := b.Clear(); n != 3 || len(b.Items()) != 0 {
		t.Errorf("Clear = %d", n)
	}
}

func TestToasts(t *testing.T) {
	bell := store.New("bell")
	popups := store.New("popups")
	defer popups.Close()

	var routes []string
	toasts := NewToasts(popups, RouterFunc(func(r string) { routes = append(routes, r) }), time.Hour, nil)

	for _, n := range []models.Notification{note("m", models.KindMessage), note("p", models.KindPayment), note("g", models.KindGeneric)} {
		bell.Insert(n)
		if !toasts.Show(n) {
			t.Fatalf("Show(%s) = false", n.ID)
		}
	}
	if toasts.Show(note("m", models.KindMessage)) {
		t.Error("duplicate popup shown")
	}
	if popups.Pending() != 3 {
		t.Errorf("pending timers = %d", popups.Pending())
	}

	route, ok := toasts.Click("m")
	if !ok || route != "/chat?userId=B" {
		t.Errorf("Click = %q, %v", route, ok)
	}
	if len(routes) != 1 || routes[0] != "/chat?userId=B" {
		t.Errorf("navigated to %v", routes)
	}
	if _, ok := toasts.Click("m"); ok {
		t.Error("clicked a removed popup")
	}

	if !toasts.Dismiss("p") || toasts.Dismiss("p") {
		t.Error("Dismiss not idempotent")
	}
	if items := toasts.Items(); len(items) != 1 || items[0].ID != "g" {
		t.Errorf("Items = %+v", items)
	}

	toasts.ClearAll()
	if len(toasts.Items()) != 0 || popups.Pending() != 0 {
		t.Error("popups left after ClearAll")
	}
	if bell.Len() != 3 {
		t.Errorf("ClearAll touched the bell: %d left", bell.Len())
	}
}

func TestToasts_DefaultTTL(t *testing.T) {
	toasts := NewToasts(store.New("popups"), nil, 0, nil)
	if toasts.ttl != DefaultPopupTTL {
		t.Errorf("ttl = %v", toasts.ttl)
	}
	toasts.Show(note("1", models.KindGeneric))
	if _, ok := toasts.Click("1"); !ok {
		t.Error("Click without router failed")
	}
}

type fakeNotifier struct {
	permission Permission
	err        error
	shown      []string
}

func (f *fakeNotifier) Permission() Permission { return f.permission }

func (f *fakeNotifier) Show(title, body, route string) error {
	if f.err != nil {
		return f.err
	}
	f.shown = append(f.shown, title+"|"+body+"|"+route)
	return nil
}

func TestDesktop(t *testing.T) {
	tests := []struct {
		name     string
		notifier *fakeNotifier
		want     bool
	}{
		{"granted", &fakeNotifier{permission: PermissionGranted}, true},
		{"denied", &fakeNotifier{permission: PermissionDenied}, false},
		{"default", &fakeNotifier{permission: PermissionDefault}, false},
		{"unsupported", &fakeNotifier{permission: PermissionUnsupported}, false},
		{"failing", &fakeNotifier{permission: PermissionGranted, err: errors.New("dbus")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDesktop(tt.notifier, nil)
			if got := d.Notify(note("1", models.KindPayment)); got != tt.want {
				t.Errorf("Notify = %v, want %v", got, tt.want)
			}
			if tt.want && (len(tt.notifier.shown) != 1 || tt.notifier.shown[0] != "t 1|b 1|/payments") {
				t.Errorf("shown = %v", tt.notifier.shown)
			}
		})
	}

	var none *Desktop
	if none.Permission() != PermissionUnsupported || none.Notify(note("1", models.KindGeneric)) {
		t.Error("nil desktop not a no-op")
	}
	if NewDesktop(nil, nil).Notify(note("1", models.KindGeneric)) {
		t.Error("desktop without notifier showed something")
	}
}

func TestChatList_OnGrow(t *testing.T) {
	m := chat.NewMessenger(chat.Options{Self: models.Identity{UserID: "A"}})
	m.Receive(models.Notification{ID: "old", Kind: models.KindMessage, SenderID: "B", Body: "earlier"})

	list := NewChatList(m, "dm:A:B")
	var grown []string
	list.OnGrow(func(msg models.ChatMessage) { grown = append(grown, msg.ID) })

	m.Receive(models.Notification{ID: "old", Kind: models.KindMessage, SenderID: "B", Body: "earlier"})
	m.Receive(models.Notification{ID: "new", Kind: models.KindMessage, SenderID: "B", Body: "hello", Timestamp: time.Now()})
	m.Receive(models.Notification{ID: "other", Kind: models.KindMessage, SenderID: "C", Body: "elsewhere"})

	if len(grown) != 1 || grown[0] != "new" {
		t.Errorf("grown = %v", grown)
	}
	if msgs := list.Messages(); len(msgs) != 2 || msgs[1].ID != "new" {
		t.Errorf("Messages = %+v", msgs)
	}

	list.Close()
	m.Receive(models.Notification{ID: "late", Kind: models.KindMessage, SenderID: "B", Body: "after close"})
	if len(grown) != 1 {
		t.Errorf("hook ran after Close: %v", grown)
	}
}

func TestTerminalRendering(t *testing.T) {
	var buf bytes.Buffer
	d := NewDesktop(NewTerminalNotifier(&buf, PermissionGranted), nil)
	if !d.Notify(note("1", models.KindNewBid)) {
		t.Fatal("terminal notifier refused")
	}
	if out := buf.String(); !strings.Contains(out, "t 1") || !strings.Contains(out, "/bids") {
		t.Errorf("terminal output = %q", out)
	}

	bell := RenderBell([]models.Notification{note("1", models.KindPayment)}, 1)
	if !strings.Contains(bell, "1 unread") || !strings.Contains(bell, "b 1") {
		t.Errorf("bell = %q", bell)
	}
	if empty := RenderBell(nil, 0); !strings.Contains(empty, "No notifications") {
		t.Errorf("empty bell = %q", empty)
	}

	failed := RenderMessage(models.ChatMessage{
		Notification: models.Notification{SenderID: "A", Body: "hi"},
		Status:       models.StatusFailed,
		Error:        "timeout",
	})
	if !strings.Contains(failed, "failed: timeout") {
		t.Errorf("message = %q", failed)
	}
	if toast := RenderToast(note("9", models.KindMessage)); !strings.Contains(toast, "b 9") {
		t.Errorf("toast = %q", toast)
	}
}
