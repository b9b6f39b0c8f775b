// Package realtime wires the connection, the poller, the stores and the
// delivery surfaces together for one signed-in session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"notify-relay/internal/api"
	"notify-relay/internal/auth"
	"notify-relay/internal/chat"
	"notify-relay/internal/models"
	"notify-relay/internal/normalize"
	"notify-relay/internal/poller"
	"notify-relay/internal/presence"
	"notify-relay/internal/redis"
	"notify-relay/internal/store"
	"notify-relay/internal/surface"
	"notify-relay/internal/ws"
)

var ErrNoChat = errors.New("no chat is open")

// Provider is the composition root. It owns the socket manager; surfaces only
// ever see it as a ws.Emitter.
type Provider struct {
	opts    Options
	logger  *zap.Logger
	manager *ws.Manager
	api     *api.Client
	tracker *presence.Tracker
	desktop *surface.Desktop

	// lifecycle serializes Start, Stop and SetSession.
	lifecycle sync.Mutex
	parent    context.Context
	started   bool

	mu   sync.Mutex
	rt   *runtime
	room string
}

// runtime is everything that belongs to one session. A new identity gets a
// new runtime; nothing carries over.
type runtime struct {
	session   auth.Session
	online    bool
	bell      *store.Store
	popups    *store.Store
	messenger *chat.Messenger
	toasts    *surface.Toasts
	poller    *poller.Poller
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// seen holds every id delivered in this session, including ones since
	// removed, cleared or evicted from the bell.
	seenMu sync.Mutex
	seen   map[string]struct{}
}

// firstSeen records id and reports whether it is new to the session.
func (rt *runtime) firstSeen(id string) bool {
	rt.seenMu.Lock()
	defer rt.seenMu.Unlock()

	if _, ok := rt.seen[id]; ok {
		return false
	}
	rt.seen[id] = struct{}{}
	return true
}

func New(opts Options) *Provider {
	opts.defaults()

	apiOpts := []api.Option{api.WithLogger(opts.Logger)}
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(opts.HTTPClient))
	}

	p := &Provider{
		opts:   opts,
		logger: opts.Logger,
		manager: ws.NewManager(ws.Options{
			URL:         opts.WSURL,
			Dialer:      opts.Dialer,
			BaseDelay:   opts.ReconnectBaseDelay,
			MaxDelay:    opts.ReconnectMaxDelay,
			MaxAttempts: opts.MaxReconnectAttempts,
			Logger:      opts.Logger,
		}),
		api:     api.New(opts.APIURL, apiOpts...),
		tracker: presence.NewTracker(),
		desktop: surface.NewDesktop(opts.Notifier, opts.Logger),
		parent:  context.Background(),
	}
	p.tracker.OnChange(p.chatChanged)
	p.rt = p.newRuntime(auth.Session{}, false)
	return p
}

// Start brings the session online. Without a valid session nothing is
// dialed or polled, and the local surfaces still work.
func (p *Provider) Start(ctx context.Context, session auth.Session) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.parent = ctx
	p.started = true
	p.replace(session)
}

// Stop closes the socket, stops the poller and the broadcast subscription.
// The last session's bell stays readable.
func (p *Provider) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.started {
		return
	}
	p.started = false

	p.mu.Lock()
	rt := p.rt
	p.mu.Unlock()
	p.teardown(rt)
	p.logger.Info("[PROVIDER] Stopped")
}

// SetSession switches to session. The same token and identity keep the
// running session; anything else recreates every component.
func (p *Provider) SetSession(session auth.Session) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	current := p.rt
	p.mu.Unlock()
	if current.session.Same(session) && current.online == (p.started && session.Valid()) {
		return
	}
	p.replace(session)
}

func (p *Provider) replace(session auth.Session) {
	p.mu.Lock()
	old := p.rt
	p.mu.Unlock()

	p.teardown(old)
	rt := p.newRuntime(session, p.started && session.Valid())

	p.mu.Lock()
	p.rt = rt
	p.mu.Unlock()

	if rt.online {
		p.connect(rt)
	}
}

func (p *Provider) newRuntime(session auth.Session, online bool) *runtime {
	storeOpts := []store.Option{store.WithLogger(p.logger)}
	if p.opts.Scheduler != nil {
		storeOpts = append(storeOpts, store.WithScheduler(p.opts.Scheduler))
	}

	rt := &runtime{
		session: session,
		online:  online,
		seen:    make(map[string]struct{}),
		bell:    store.New("bell", append(storeOpts, store.WithCapacity(p.opts.BellCapacity))...),
		popups:  store.New("popups", storeOpts...),
		messenger: chat.NewMessenger(chat.Options{
			Self:        session.Identity,
			Sender:      p.api,
			Emitter:     p.manager,
			SendTimeout: p.opts.SendTimeout,
			Logger:      p.logger,
		}),
	}
	rt.toasts = surface.NewToasts(rt.popups, p.opts.Router, p.opts.PopupTTL, p.logger)

	if online {
		rt.poller = poller.New(func(event normalize.Event, rec api.Record) {
			p.ingest(rt, event, rec, models.SourcePoll)
		}, p.logger)
		for _, src := range poller.DefaultSources(p.api, p.tracker, p.opts.Intervals) {
			rt.poller.Register(src)
		}
	}
	return rt
}

// connect starts the socket, the poller and the broadcast subscription.
func (p *Provider) connect(rt *runtime) {
	ctx, cancel := context.WithCancel(p.parent)
	rt.cancel = cancel

	p.api.SetToken(rt.session.Token)

	p.manager.OnFrame(func(f models.Frame) { p.handleFrame(rt, f) })
	p.manager.OnState(func(ev ws.StateEvent) { p.handleState(rt, ev) })
	if conn := p.manager.Connect(rt.session.Token, rt.session.Identity); conn != nil {
		p.mu.Lock()
		room := p.room
		p.mu.Unlock()
		if room != "" {
			conn.JoinRoom(room)
		}
	}

	rt.poller.Start()

	if b := p.opts.Broadcaster; b != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			key := rt.session.Identity.Key()
			if err := b.Subscribe(ctx, key, func(r redis.Remote) { p.applyRemote(rt, r) }); err != nil {
				p.logger.Warn("[PROVIDER] Cross-tab sync unavailable", zap.String("user", key), zap.Error(err))
			}
		}()
	}

	p.logger.Info("[PROVIDER] Session online", zap.String("user", rt.session.Identity.Key()))
}

func (p *Provider) teardown(rt *runtime) {
	if rt == nil {
		return
	}
	rt.stopOnce.Do(func() {
		if rt.online {
			rt.cancel()
			p.manager.Disconnect()
			rt.poller.Stop()
			rt.wg.Wait()
			p.api.SetToken("")
		}
		rt.popups.Close()
		rt.bell.Close()
	})
}

func (p *Provider) active() *runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rt
}

func (p *Provider) handleFrame(rt *runtime, f models.Frame) {
	event, err := normalize.Parse(f.Event)
	if err != nil {
		p.logger.Debug("[PROVIDER] Ignoring event", zap.String("event", f.Event))
		return
	}
	n, err := normalize.Decode(event, f.Data)
	if err != nil {
		p.logDropped(event, err)
		return
	}
	p.deliver(rt, n, models.SourceSocket)
}

func (p *Provider) handleState(rt *runtime, ev ws.StateEvent) {
	switch ev.Lifecycle {
	case ws.LifecycleReconnect:
		// Catch up on whatever the socket missed while it was down.
		rt.poller.Trigger(poller.SourceNotifications)
		rt.poller.Trigger(poller.SourceChat)
	case ws.LifecycleExhausted:
		p.logger.Warn("[PROVIDER] Realtime unavailable, relying on polling", zap.Int("attempts", ev.Attempt))
	}
}

// Ingest normalizes raw as event and delivers it like a socket frame or a
// poll record. It reports whether the notification was new.
func (p *Provider) Ingest(event normalize.Event, raw map[string]any, source models.Source) (bool, error) {
	rt := p.active()
	n, err := normalize.Normalize(event, raw)
	if err != nil {
		return false, err
	}
	return p.deliver(rt, n, source), nil
}

func (p *Provider) ingest(rt *runtime, event normalize.Event, raw map[string]any, source models.Source) {
	n, err := normalize.Normalize(event, raw)
	if err != nil {
		p.logDropped(event, err)
		return
	}
	p.deliver(rt, n, source)
}

func (p *Provider) logDropped(event normalize.Event, err error) {
	if errors.Is(err, normalize.ErrEmptyBody) {
		p.logger.Debug("[PROVIDER] Dropped empty notification", zap.String("event", string(event)))
		return
	}
	p.logger.Warn("[PROVIDER] Dropped malformed notification", zap.String("event", string(event)), zap.Error(err))
}

// deliver is the single path every notification takes: chat thread, bell,
// then popup and desktop unless the user is looking at that conversation.
func (p *Provider) deliver(rt *runtime, n models.Notification, source models.Source) bool {
	n.Source = source

	if n.IsMessage() {
		if !rt.messenger.Receive(n) {
			return false
		}
		if self := rt.session.Identity.UserID; self != "" && n.SenderID == self {
			return false
		}
	}

	if !rt.firstSeen(n.ID) {
		return false
	}
	suppressed := p.tracker.Suppress(n)
	if suppressed {
		n.Read = true
	}
	if !rt.bell.Insert(n) {
		return false
	}
	p.publish(rt, func(b Broadcaster, key string) error { return b.PublishInserted(key, n) })

	if suppressed || n.Read {
		return true
	}
	rt.toasts.Show(n)
	p.desktop.Notify(n)
	return true
}

// applyRemote replays a change made in another tab. It never publishes.
func (p *Provider) applyRemote(rt *runtime, r redis.Remote) {
	switch r.Type {
	case models.EventInserted:
		n := r.Notification
		n.Source = models.SourceBroadcast
		if n.IsMessage() {
			rt.messenger.Receive(n)
		}
		if rt.firstSeen(n.ID) {
			rt.bell.Insert(n)
		}
	case models.EventRead:
		rt.bell.MarkRead(r.ID)
	case models.EventReadAll:
		rt.bell.MarkAllRead()
	case models.EventRemoved:
		rt.bell.Remove(r.ID)
	case models.EventCleared:
		rt.bell.Clear()
	}
}

func (p *Provider) publish(rt *runtime, fn func(b Broadcaster, key string) error) {
	b := p.opts.Broadcaster
	if b == nil || !rt.online {
		return
	}
	if err := fn(b, rt.session.Identity.Key()); err != nil {
		p.logger.Debug("[PROVIDER] Broadcast failed", zap.Error(err))
	}
}

func (p *Provider) chatChanged(current *models.ChatContext) {
	room := ""
	if current != nil {
		room = current.ChatID
	}

	p.mu.Lock()
	prev := p.room
	p.room = room
	rt := p.rt
	p.mu.Unlock()

	if prev != room {
		if prev != "" {
			p.manager.LeaveRoom(prev)
		}
		if room != "" {
			p.manager.JoinRoom(room)
		}
	}
	if current != nil && rt != nil && rt.poller != nil {
		rt.poller.Trigger(poller.SourceChat)
	}
}

// EnterChat records that the user opened a conversation.
func (p *Provider) EnterChat(chat models.ChatContext) { p.tracker.Enter(chat) }

func (p *Provider) LeaveChat() { p.tracker.Leave() }

// Navigate follows the router to location.
func (p *Provider) Navigate(location string) { p.tracker.Navigate(location) }

// MarkRead flags id read locally, in the other tabs and on the server.
func (p *Provider) MarkRead(ctx context.Context, id string) error {
	rt := p.active()
	if !rt.bell.MarkRead(id) {
		return nil
	}
	p.publish(rt, func(b Broadcaster, key string) error { return b.PublishRead(key, id) })
	if !rt.online {
		return nil
	}
	if err := p.api.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

func (p *Provider) MarkAllRead(ctx context.Context) error {
	rt := p.active()
	rt.bell.MarkAllRead()
	p.publish(rt, func(b Broadcaster, key string) error { return b.PublishReadAll(key) })
	if !rt.online {
		return nil
	}
	if err := p.api.MarkAllRead(ctx); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// Remove deletes one bell entry here and in the other tabs.
func (p *Provider) Remove(id string) bool {
	rt := p.active()
	if !rt.bell.Remove(id) {
		return false
	}
	p.publish(rt, func(b Broadcaster, key string) error { return b.PublishRemoved(key, id) })
	return true
}

// ClearBell empties the history here and in the other tabs. Popups stay.
func (p *Provider) ClearBell() int {
	rt := p.active()
	n := rt.bell.Clear()
	if n > 0 {
		p.publish(rt, func(b Broadcaster, key string) error { return b.PublishCleared(key) })
	}
	return n
}

// Send posts body to the open conversation.
func (p *Provider) Send(ctx context.Context, body string) (models.ChatMessage, error) {
	current := p.tracker.Current()
	if current == nil {
		return models.ChatMessage{}, ErrNoChat
	}
	return p.SendTo(ctx, *current, body)
}

func (p *Provider) SendTo(ctx context.Context, chat models.ChatContext, body string) (models.ChatMessage, error) {
	return p.active().messenger.Send(ctx, chat, body)
}

func (p *Provider) Resend(ctx context.Context, id string) (models.ChatMessage, error) {
	return p.active().messenger.Resend(ctx, id)
}

// PlaceBid announces a bid over the socket.
func (p *Provider) PlaceBid(bid models.NewBidData) error {
	if bid.BidderId == "" {
		bid.BidderId = p.active().session.Identity.UserID
	}
	return p.manager.Emit(ws.EventNewBid, bid)
}

func (p *Provider) Bell() *surface.Bell { return surface.NewBell(p.active().bell) }

func (p *Provider) Toasts() *surface.Toasts { return p.active().toasts }

func (p *Provider) Messenger() *chat.Messenger { return p.active().messenger }

// ChatList returns the message list of the open conversation, or nil.
func (p *Provider) ChatList() *surface.ChatList {
	current := p.tracker.Current()
	if current == nil {
		return nil
	}
	rt := p.active()
	return surface.NewChatList(rt.messenger, current.Key(rt.session.Identity.UserID))
}

func (p *Provider) Desktop() *surface.Desktop { return p.desktop }

func (p *Provider) Presence() *presence.Tracker { return p.tracker }

// Emitter is the socket as delivery surfaces may use it.
func (p *Provider) Emitter() ws.Emitter { return p.manager }

func (p *Provider) State() ws.State { return p.manager.State() }

func (p *Provider) Session() auth.Session { return p.active().session }

// PollStatuses reports the fallback sources, or nil while offline.
func (p *Provider) PollStatuses() []poller.SyncStatus {
	rt := p.active()
	if rt.poller == nil {
		return nil
	}
	return rt.poller.Statuses()
}
