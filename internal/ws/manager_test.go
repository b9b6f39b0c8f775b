package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"notify-relay/internal/models"
)

// testServer is a socket backend that records every frame it receives.
type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	reject     int
	handshakes int
	tokens     []string
	auth       []string
	conns      []*websocket.Conn
	frames     []models.Frame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(func() {
		ts.mu.Lock()
		for _, c := range ts.conns {
			_ = c.Close()
		}
		ts.mu.Unlock()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	ts.handshakes++
	if ts.reject > 0 {
		ts.reject--
		ts.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
	ts.auth = append(ts.auth, r.Header.Get("Authorization"))
	ts.mu.Unlock()

	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.mu.Unlock()

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f models.Frame
			if json.Unmarshal(msg, &f) == nil {
				ts.mu.Lock()
				ts.frames = append(ts.frames, f)
				ts.mu.Unlock()
			}
		}
	}()
}

func (ts *testServer) setReject(n int) {
	ts.mu.Lock()
	ts.reject = n
	ts.mu.Unlock()
}

func (ts *testServer) handshakeCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.handshakes
}

func (ts *testServer) latest() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		return nil
	}
	return ts.conns[len(ts.conns)-1]
}

// count returns how many received frames match event and, when room is set,
// that room.
func (ts *testServer) count(event, room string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	n := 0
	for _, f := range ts.frames {
		if f.Event != event {
			continue
		}
		if room != "" {
			var d models.RoomData
			if json.Unmarshal(f.Data, &d) != nil || d.RoomId != room {
				continue
			}
		}
		n++
	}
	return n
}

func (ts *testServer) lastData(event string, v any) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := len(ts.frames) - 1; i >= 0; i-- {
		if ts.frames[i].Event == event {
			return json.Unmarshal(ts.frames[i].Data, v) == nil
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastManager(ts *testServer, attempts int) *Manager {
	return NewManager(Options{
		URL:         ts.srv.URL + "/ws",
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		MaxAttempts: attempts,
	})
}

var alice = models.Identity{UserID: "A", EmpID: "E1"}

func TestConnect_NoCredentials(t *testing.T) {
	ts := newTestServer(t)
	m := fastManager(ts, 3)
	defer m.Disconnect()

	if c := m.Connect("", alice); c != nil {
		t.Fatal("Connect without token returned a connection")
	}
	if c := m.Connect("tok", models.Identity{}); c != nil {
		t.Fatal("Connect without identity returned a connection")
	}

	time.Sleep(50 * time.Millisecond)
	if n := ts.handshakeCount(); n != 0 {
		t.Fatalf("handshakes = %d, want 0", n)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %s", m.State())
	}
	if err := m.Emit("new-bid", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit err = %v, want ErrNotConnected", err)
	}
}

func TestConnect_IdempotentAndJoin(t *testing.T) {
	ts := newTestServer(t)
	m := fastManager(ts, 3)
	defer m.Disconnect()

	c1 := m.Connect("tok", alice)
	c2 := m.Connect("tok", alice)
	if c1 == nil || c1 != c2 {
		t.Fatalf("Connect not idempotent: %p vs %p", c1, c2)
	}

	waitFor(t, "join frame", func() bool { return ts.count(EventJoin, "") == 1 })
	if n := ts.handshakeCount(); n != 1 {
		t.Errorf("handshakes = %d, want 1", n)
	}

	var join models.JoinData
	if !ts.lastData(EventJoin, &join) || join.UserId != "A" || join.EmpId != "E1" {
		t.Errorf("join = %+v", join)
	}
	ts.mu.Lock()
	token, auth := ts.tokens[0], ts.auth[0]
	ts.mu.Unlock()
	if token != "tok" || auth != "Bearer tok" {
		t.Errorf("handshake token=%q auth=%q", token, auth)
	}
}

func TestConnect_IdentityChangeRecreates(t *testing.T) {
	ts := newTestServer(t)
	m := fastManager(ts, 3)
	defer m.Disconnect()

	c1 := m.Connect("tok", alice)
	waitFor(t, "first connection", func() bool { return c1.State() == StateConnected })

	bob := models.Identity{UserID: "B"}
	c2 := m.Connect("tok2", bob)
	if c2 == c1 {
		t.Fatal("identity change reused the connection")
	}
	select {
	case <-c1.Done():
	default:
		t.Fatal("previous connection still running")
	}

	waitFor(t, "second connection", func() bool { return c2.State() == StateConnected })
	var join models.JoinData
	waitFor(t, "join for B", func() bool { return ts.lastData(EventJoin, &join) && join.UserId == "B" })
	if m.Current() != c2 {
		t.Error("Current is not the new connection")
	}
}

func TestReconnect_RejoinsRoomOncePerReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := fastManager(ts, 10)
	defer m.Disconnect()

	var mu sync.Mutex
	var events []Lifecycle
	m.OnState(func(ev StateEvent) {
		mu.Lock()
		events = append(events, ev.Lifecycle)
		mu.Unlock()
	})

	c := m.Connect("tok", alice)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	m.JoinRoom("R")
	m.JoinRoom("R")
	waitFor(t, "join-room R", func() bool { return ts.count(EventJoinRoom, "R") == 1 })

	// Drop the transport and refuse the next three handshakes.
	ts.setReject(3)
	_ = ts.latest().Close()

	waitFor(t, "reconnect", func() bool { return ts.handshakeCount() == 5 && c.State() == StateConnected })
	waitFor(t, "rejoin R", func() bool { return ts.count(EventJoinRoom, "R") == 2 })
	time.Sleep(50 * time.Millisecond)

	if n := ts.count(EventJoinRoom, "R"); n != 2 {
		t.Errorf("join-room R frames = %d, want 2", n)
	}
	if n := ts.count(EventJoin, ""); n != 2 {
		t.Errorf("join frames = %d, want 2", n)
	}
	if rooms := c.Rooms(); len(rooms) != 1 || rooms[0] != "R" {
		t.Errorf("Rooms = %v", rooms)
	}

	mu.Lock()
	defer mu.Unlock()
	counts := map[Lifecycle]int{}
	for _, e := range events {
		counts[e]++
	}
	if counts[LifecycleConnect] != 1 || counts[LifecycleReconnect] != 1 ||
		counts[LifecycleDisconnect] != 1 || counts[LifecycleConnectError] != 3 {
		t.Errorf("lifecycle counts = %v", counts)
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	ts := newTestServer(t)
	ts.setReject(100)
	m := fastManager(ts, 3)
	defer m.Disconnect()

	exhausted := make(chan StateEvent, 1)
	m.OnState(func(ev StateEvent) {
		if ev.Lifecycle == LifecycleExhausted {
			exhausted <- ev
		}
	})

	c := m.Connect("tok", alice)
	select {
	case ev := <-exhausted:
		if ev.Attempt != 3 {
			t.Errorf("Attempt = %d, want 3", ev.Attempt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exhausted event")
	}

	<-c.Done()
	if n := ts.handshakeCount(); n != 3 {
		t.Errorf("handshakes = %d, want 3", n)
	}
	if c.State() != StateDisconnected {
		t.Errorf("State = %s", c.State())
	}

	// A later Connect with the same credentials starts over.
	ts.setReject(0)
	c2 := m.Connect("tok", alice)
	if c2 == c {
		t.Fatal("finished connection reused")
	}
	waitFor(t, "fresh connection", func() bool { return c2.State() == StateConnected })
}

func TestFrames(t *testing.T) {
	ts := newTestServer(t)
	m := fastManager(ts, 3)
	defer m.Disconnect()

	got := make(chan models.Frame, 4)
	m.OnFrame(func(f models.Frame) { got <- f })

	c := m.Connect("tok", alice)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected && ts.latest() != nil })

	if err := ts.latest().WriteMessage(websocket.TextMessage, []byte(`{"event":"receive-message","data":{"id":"m1","message":"hi"}}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	// Garbage and event-less frames are dropped.
	_ = ts.latest().WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = ts.latest().WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`))
	_ = ts.latest().WriteMessage(websocket.TextMessage, []byte(`{"event":"bid-submitted","data":{"loadId":"L1"}}`))

	select {
	case f := <-got:
		if f.Event != "receive-message" || string(f.Data) != `{"id":"m1","message":"hi"}` {
			t.Errorf("frame = %s %s", f.Event, f.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}
	select {
	case f := <-got:
		if f.Event != "bid-submitted" {
			t.Errorf("second frame = %s", f.Event)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second frame not delivered")
	}

	if err := m.Emit(EventNewBid, models.NewBidData{LoadId: "L1", Rate: 900, BidderId: "A"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	var bid models.NewBidData
	waitFor(t, "new-bid at server", func() bool { return ts.lastData(EventNewBid, &bid) })
	if bid.LoadId != "L1" || bid.Rate != 900 {
		t.Errorf("bid = %+v", bid)
	}
}

func TestDisconnect_ClearsListeners(t *testing.T) {
	ts := newTestServer(t)
	m := fastManager(ts, 3)

	var mu sync.Mutex
	calls := 0
	m.OnFrame(func(models.Frame) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	c := m.Connect("tok", alice)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	m.Disconnect()

	select {
	case <-c.Done():
	default:
		t.Fatal("connection still running after Disconnect")
	}
	if err := c.Emit(EventNewBid, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit after Disconnect err = %v", err)
	}

	c2 := m.Connect("tok", alice)
	defer m.Disconnect()
	waitFor(t, "reconnected", func() bool { return c2.State() == StateConnected && ts.handshakeCount() == 2 })
	waitFor(t, "second server conn", func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.conns) == 2
	})
	_ = ts.latest().WriteMessage(websocket.TextMessage, []byte(`{"event":"notification","data":{"message":"x"}}`))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("listener registered before Disconnect was called %d times", calls)
	}
}

func TestBackoff(t *testing.T) {
	o := Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	want := []time.Duration{
		time.Second, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for failures, w := range want {
		if got := o.backoff(failures); got != w {
			t.Errorf("backoff(%d) = %v, want %v", failures, got, w)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}
	o.defaults()
	if o.BaseDelay != DefaultBaseDelay || o.MaxDelay != DefaultMaxDelay || o.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("defaults = %+v", o)
	}
	if o.Dialer == nil || o.Logger == nil {
		t.Error("dialer or logger not defaulted")
	}
}

func TestDialURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://host:8080/ws", "ws://host:8080/ws?token=t%2B1"},
		{"https://host/socket?x=1", "wss://host/socket?token=t%2B1&x=1"},
		{"ws://host/ws", "ws://host/ws?token=t%2B1"},
	}
	for _, tt := range tests {
		got, err := dialURL(tt.in, "t+1")
		if err != nil || got != tt.want {
			t.Errorf("dialURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}
