package store

import (
	"sync"
	"testing"
	"time"

	"notify-relay/internal/models"
)

// fakeScheduler fires timers only when Advance moves its clock past them.
// With leaky set, Stop reports success but the callback still fires, which is
// what happens when a timer is stopped after its callback was dispatched.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
	leaky  bool
}

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now + d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	if !t.s.leaky {
		t.stopped = true
	}
	return true
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.fired && !t.stopped && t.at <= s.now {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func note(id string) models.Notification {
	return models.Notification{ID: id, Kind: models.KindGeneric, Body: "body " + id}
}

func TestInsert_Idempotent(t *testing.T) {
	s := New("test")
	n := note("42")

	if !s.Insert(n) {
		t.Fatal("first insert returned false")
	}
	s.MarkRead("42")
	before := s.Snapshot()

	if s.Insert(n) {
		t.Fatal("duplicate insert returned true")
	}
	after := s.Snapshot()

	if len(after) != 1 || len(before) != 1 {
		t.Fatalf("len before=%d after=%d, want 1", len(before), len(after))
	}
	if !after[0].Read {
		t.Error("duplicate insert reset the read flag")
	}
	if after[0].Body != before[0].Body {
		t.Error("duplicate insert changed contents")
	}
}

func TestInsert_DedupIsByID(t *testing.T) {
	s := New("test")
	a := note("1")
	b := note("1")
	b.Body = "different body, same id"

	s.Insert(a)
	s.Insert(b)

	got := s.Snapshot()
	if len(got) != 1 || got[0].Body != a.Body {
		t.Fatalf("Snapshot = %+v", got)
	}
	if s.Insert(models.Notification{Body: "no id"}) {
		t.Error("insert without id accepted")
	}
}

func TestSnapshot_DeliveryOrder(t *testing.T) {
	s := New("test")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Delivered newest payload first.
	for i, id := range []string{"c", "a", "b"} {
		n := note(id)
		n.Timestamp = base.Add(-time.Duration(i) * time.Minute)
		s.Insert(n)
	}

	got := s.Snapshot()
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestMarkRead(t *testing.T) {
	s := New("test")
	s.Insert(note("1"))
	s.Insert(note("2"))
	s.Insert(note("3"))

	if s.UnreadCount() != 3 {
		t.Fatalf("UnreadCount = %d, want 3", s.UnreadCount())
	}
	if !s.MarkRead("2") {
		t.Fatal("MarkRead(2) = false")
	}
	if s.MarkRead("2") {
		t.Error("second MarkRead(2) = true")
	}
	if s.MarkRead("missing") {
		t.Error("MarkRead(missing) = true")
	}
	if got := s.MarkAllRead(); got != 2 {
		t.Errorf("MarkAllRead = %d, want 2", got)
	}
	if s.UnreadCount() != 0 {
		t.Errorf("UnreadCount = %d, want 0", s.UnreadCount())
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := New("test")
	s.Insert(note("1"))
	s.Insert(note("2"))

	if !s.Remove("1") {
		t.Fatal("Remove(1) = false")
	}
	if s.Remove("1") {
		t.Error("second Remove(1) = true")
	}
	if s.Contains("1") {
		t.Error("removed id still present")
	}
	if got := s.Clear(); got != 1 {
		t.Errorf("Clear = %d, want 1", got)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after Clear", s.Len())
	}
}

func TestExpiry_Deterministic(t *testing.T) {
	sched := &fakeScheduler{}
	s := New("popups", WithScheduler(sched))
	const ttl = 8 * time.Second
	const eps = time.Millisecond

	s.InsertTransient(note("p"), ttl)

	sched.Advance(ttl - eps)
	if !s.Contains("p") {
		t.Fatal("popup gone before its ttl")
	}

	sched.Advance(2 * eps)
	if s.Contains("p") {
		t.Fatal("popup still present after its ttl")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestExpiry_ManualRemoveCancelsTimer(t *testing.T) {
	sched := &fakeScheduler{}
	s := New("popups", WithScheduler(sched))

	s.InsertTransient(note("x"), 10*time.Second)
	sched.Advance(2 * time.Second)
	s.Remove("x")
	if s.Pending() != 0 {
		t.Fatalf("Pending = %d after Remove, want 0", s.Pending())
	}

	// Same id reused for a new popup.
	sched.Advance(time.Second)
	s.InsertTransient(note("x"), 10*time.Second)

	// The first timer would have fired here.
	sched.Advance(8 * time.Second)
	if !s.Contains("x") {
		t.Fatal("stale timer removed the reused id")
	}

	sched.Advance(3 * time.Second)
	if s.Contains("x") {
		t.Fatal("reused id did not expire on its own timer")
	}
}

func TestExpiry_StaleCallbackIgnored(t *testing.T) {
	sched := &fakeScheduler{leaky: true}
	s := New("popups", WithScheduler(sched))

	s.InsertTransient(note("x"), 5*time.Second)
	s.Remove("x")
	s.InsertTransient(note("x"), 60*time.Second)

	// The first callback still runs despite Stop.
	sched.Advance(5 * time.Second)
	if !s.Contains("x") {
		t.Fatal("stale callback removed the newer notification")
	}
}

func TestCapacityDropsOldest(t *testing.T) {
	s := New("bell", WithCapacity(2))
	var removed []string
	s.Subscribe(func(c Change) {
		if c.Op == OpRemoved {
			removed = append(removed, c.Notification.ID)
		}
	})

	s.Insert(note("1"))
	s.Insert(note("2"))
	s.Insert(note("3"))

	if got := ids(s.Snapshot()); len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("Snapshot = %v, want [2 3]", got)
	}
	if len(removed) != 1 || removed[0] != "1" {
		t.Errorf("removed = %v, want [1]", removed)
	}
}

func TestSubscribe(t *testing.T) {
	sched := &fakeScheduler{}
	s := New("test", WithScheduler(sched))

	var ops []Op
	cancel := s.Subscribe(func(c Change) { ops = append(ops, c.Op) })

	s.Insert(note("1"))
	s.Insert(note("1"))
	s.MarkRead("1")
	s.InsertTransient(note("2"), time.Second)
	sched.Advance(time.Second)
	s.Remove("1")
	s.Insert(note("3"))
	s.Clear()
	cancel()
	s.Insert(note("4"))

	want := []Op{OpInserted, OpRead, OpInserted, OpExpired, OpRemoved, OpInserted, OpCleared}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestClose(t *testing.T) {
	sched := &fakeScheduler{}
	s := New("test", WithScheduler(sched))
	s.InsertTransient(note("1"), time.Second)

	called := false
	s.Subscribe(func(Change) { called = true })
	s.Close()

	if s.Pending() != 0 {
		t.Errorf("Pending = %d after Close", s.Pending())
	}
	sched.Advance(time.Minute)
	if !s.Contains("1") {
		t.Error("timer fired after Close")
	}
	if s.Insert(note("2")) {
		t.Error("Insert accepted after Close")
	}
	if called {
		t.Error("listener called after Close")
	}
}

func TestDefaultTTL(t *testing.T) {
	sched := &fakeScheduler{}
	s := New("popups", WithScheduler(sched), WithDefaultTTL(time.Second))
	s.Insert(note("1"))

	sched.Advance(time.Second)
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}

func ids(ns []models.Notification) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.ID
	}
	return out
}
