package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notify-relay/internal/models"
)

// State is the transport state of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Lifecycle names the transport events delivered to state listeners.
type Lifecycle string

const (
	LifecycleConnect      Lifecycle = "connect"
	LifecycleDisconnect   Lifecycle = "disconnect"
	LifecycleConnectError Lifecycle = "connect_error"
	LifecycleReconnect    Lifecycle = "reconnect"
	LifecycleExhausted    Lifecycle = "exhausted"
)

type StateEvent struct {
	Lifecycle Lifecycle
	State     State
	Attempt   int
	Err       error
}

// Options configures dialing and the reconnect policy.
//
// Reconnects back off exponentially: the first retry after a drop or a
// failed dial waits BaseDelay, each further failure doubles the wait up to
// MaxDelay. After MaxAttempts consecutive failed dials the connection gives
// up; a negative MaxAttempts retries forever.
type Options struct {
	URL         string
	Dialer      *websocket.Dialer
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Logger      *zap.Logger
}

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxAttempts = 5
)

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = DefaultMaxDelay
		if o.MaxDelay < o.BaseDelay {
			o.MaxDelay = o.BaseDelay
		}
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// backoff returns the wait before the next dial after failures consecutive
// failed dials. Zero failures means the transport just dropped.
func (o Options) backoff(failures int) time.Duration {
	d := o.BaseDelay
	for i := 1; i < failures && d < o.MaxDelay; i++ {
		d *= 2
	}
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}

// Manager owns at most one Connection. It is created by the composition root
// and handed to consumers as an Emitter; only the owner calls Connect and
// Disconnect. Listeners live on the Manager, so redials never register them
// twice.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu             sync.Mutex
	conn           *Connection
	nextID         int
	frameListeners map[int]func(models.Frame)
	stateListeners map[int]func(StateEvent)
}

func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:           opts,
		logger:         opts.Logger,
		frameListeners: make(map[int]func(models.Frame)),
		stateListeners: make(map[int]func(StateEvent)),
	}
}

// Connect returns the live connection for this token and identity, replacing
// any connection held for different credentials. Without a token or an
// identity nothing is dialed and nil is returned.
func (m *Manager) Connect(token string, identity models.Identity) *Connection {
	m.mu.Lock()
	prev := m.conn
	if prev != nil && prev.token == token && prev.identity == identity && prev.ctx.Err() == nil {
		select {
		case <-prev.done:
		default:
			m.mu.Unlock()
			return prev
		}
	}
	m.conn = nil
	m.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	if token == "" || identity.IsZero() {
		m.logger.Info("[CLIENT] No credentials, realtime disabled")
		return nil
	}

	endpoint, err := dialURL(m.opts.URL, token)
	if err != nil {
		m.logger.Error("[CLIENT] Invalid socket url", zap.String("url", m.opts.URL), zap.Error(err))
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		manager:  m,
		url:      endpoint,
		header:   header,
		token:    token,
		identity: identity,
		logger:   m.logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateConnecting,
		rooms:    make(map[string]struct{}),
	}

	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()

	m.logger.Info("[CLIENT] Connecting", zap.String("user", identity.Key()))
	go c.run()
	return c
}

// Current returns the managed connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Disconnect closes the connection, waits for its goroutines and drops every
// listener.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.frameListeners = make(map[int]func(models.Frame))
	m.stateListeners = make(map[int]func(StateEvent))
	m.mu.Unlock()

	if c != nil {
		c.close()
		m.logger.Info("[CLIENT] Disconnected by owner", zap.String("user", c.identity.Key()))
	}
}

// OnFrame registers fn for every inbound frame.
func (m *Manager) OnFrame(fn func(models.Frame)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.frameListeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.frameListeners, id)
		m.mu.Unlock()
	}
}

// OnState registers fn for every lifecycle event.
func (m *Manager) OnState(fn func(StateEvent)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.stateListeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.stateListeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) Emit(event string, data any) error {
	c := m.Current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Emit(event, data)
}

func (m *Manager) JoinRoom(roomID string) {
	if c := m.Current(); c != nil {
		c.JoinRoom(roomID)
	}
}

func (m *Manager) LeaveRoom(roomID string) {
	if c := m.Current(); c != nil {
		c.LeaveRoom(roomID)
	}
}

func (m *Manager) State() State {
	if c := m.Current(); c != nil {
		return c.State()
	}
	return StateDisconnected
}

// dispatch delivers a frame from c unless c has been replaced.
func (m *Manager) dispatch(c *Connection, f models.Frame) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	listeners := make([]func(models.Frame), 0, len(m.frameListeners))
	for _, fn := range m.frameListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(f)
	}
}

func (m *Manager) emitState(c *Connection, ev StateEvent) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	listeners := make([]func(StateEvent), 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// dialURL maps http(s) to ws(s) and adds the token query parameter.
func dialURL(raw, token string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
