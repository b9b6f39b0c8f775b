package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max inbound message size
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

// Connection is one identity's transport plus its retry loop. A dropped
// transport is redialed by the same Connection; an identity change makes a
// new one.
type Connection struct {
	manager  *Manager
	url      string
	header   http.Header
	token    string
	identity models.Identity
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	retries int
	delay   time.Duration
	rooms   map[string]struct{}
	conn    *websocket.Conn
	send    chan []byte
}

func (c *Connection) Identity() models.Identity { return c.identity }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries is the number of consecutive failed dials in the current outage.
func (c *Connection) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Delay is the wait before the next dial while reconnecting.
func (c *Connection) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Rooms returns the joined room set, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Done is closed when the connection has stopped for good.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Emit queues a frame. It fails with ErrNotConnected while no transport is up.
func (c *Connection) Emit(event string, data any) error {
	msg, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// JoinRoom adds roomID to the room set and announces it when connected. No
// acknowledgement is awaited.
func (c *Connection) JoinRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[roomID]; ok {
		return
	}
	c.rooms[roomID] = struct{}{}
	c.enqueueLocked(EventJoinRoom, models.RoomData{RoomId: roomID})
}

func (c *Connection) LeaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[roomID]; !ok {
		return
	}
	delete(c.rooms, roomID)
	c.enqueueLocked(EventLeaveRoom, models.RoomData{RoomId: roomID})
}

// close stops the retry loop and the transport and waits for both.
func (c *Connection) close() {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-c.done
}

func (c *Connection) enqueueLocked(event string, data any) {
	if c.state != StateConnected || c.send == nil {
		return
	}
	msg, err := encodeFrame(event, data)
	if err != nil {
		c.logger.Error("[CLIENT] Failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("[CLIENT] Send buffer full, frame dropped", zap.String("event", event))
	}
}

func (c *Connection) setState(s State, retries int, delay time.Duration) {
	c.mu.Lock()
	c.state = s
	c.retries = retries
	c.delay = delay
	c.mu.Unlock()
}

// run dials, serves and redials until the context is cancelled or the retry
// budget of one outage is spent.
func (c *Connection) run() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.delay = 0
		c.mu.Unlock()
	}()

	policy := c.manager.opts
	failures := 0
	connected := false

	for {
		if connected || failures > 0 {
			c.setState(StateReconnecting, failures, 0)
		} else {
			c.setState(StateConnecting, 0, 0)
		}

		conn, resp, err := policy.Dialer.DialContext(c.ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Warn("[CLIENT] Connect failed",
				zap.String("user", c.identity.Key()), zap.Int("attempt", failures), zap.Int("status", status), zap.Error(err))
			c.manager.emitState(c, StateEvent{Lifecycle: LifecycleConnectError, State: StateReconnecting, Attempt: failures, Err: err})

			if policy.MaxAttempts > 0 && failures >= policy.MaxAttempts {
				c.logger.Warn("[CLIENT] Reconnect attempts exhausted, realtime delivery stopped",
					zap.String("user", c.identity.Key()), zap.Int("attempts", failures))
				c.setState(StateDisconnected, failures, 0)
				c.manager.emitState(c, StateEvent{Lifecycle: LifecycleExhausted, State: StateDisconnected, Attempt: failures, Err: err})
				return
			}
			if !c.wait(policy.backoff(failures), failures) {
				return
			}
			continue
		}

		lifecycle := LifecycleConnect
		if connected {
			lifecycle = LifecycleReconnect
		}
		connected = true
		failures = 0

		err = c.serve(conn, lifecycle)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("[CLIENT] Disconnected", zap.String("user", c.identity.Key()), zap.Error(err))
		c.manager.emitState(c, StateEvent{Lifecycle: LifecycleDisconnect, State: StateReconnecting, Err: err})
		if !c.wait(policy.backoff(0), 0) {
			return
		}
	}
}

// wait sleeps before the next dial. It reports false when cancelled.
func (c *Connection) wait(d time.Duration, failures int) bool {
	c.setState(StateReconnecting, failures, d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve runs one transport until it drops. The identity join and every room
// join are queued exactly once, before any other frame.
func (c *Connection) serve(conn *websocket.Conn, lifecycle Lifecycle) error {
	send := make(chan []byte, sendBuffer)

	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.state = StateConnected
	c.retries = 0
	c.delay = 0
	c.enqueueLocked(EventJoin, models.JoinData{UserId: c.identity.UserID, EmpId: c.identity.EmpID})
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	for _, r := range rooms {
		c.enqueueLocked(EventJoinRoom, models.RoomData{RoomId: r})
	}
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		_ = conn.Close()
	}

	c.logger.Info("[CLIENT] Connected", zap.String("user", c.identity.Key()), zap.Int("rooms", len(rooms)), zap.String("lifecycle", string(lifecycle)))
	c.manager.emitState(c, StateEvent{Lifecycle: lifecycle, State: StateConnected})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, send, stop)
	}()

	err := c.readPump(conn)
	_ = conn.Close()
	close(stop)
	wg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.send = nil
	c.mu.Unlock()
	return err
}

// readPump pumps frames from the WebSocket to the manager's listeners.
func (c *Connection) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.logger.Warn("[CLIENT] Unexpected close", zap.String("user", c.identity.Key()), zap.Error(err))
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := decodeFrame(message)
		if err != nil {
			c.logger.Warn("[CLIENT] Dropping frame", zap.String("user", c.identity.Key()), zap.Error(err))
			continue
		}
		c.manager.dispatch(c, frame)
	}
}

// writePump pumps queued frames to the WebSocket and keeps it alive.
func (c *Connection) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("[CLIENT] Failed to write frame", zap.String("user", c.identity.Key()), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("[CLIENT] Failed to send ping", zap.String("user", c.identity.Key()), zap.Error(err))
				return
			}

		case <-stop:
			return
		}
	}
}
