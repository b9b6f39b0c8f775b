// Package store holds notifications in delivery order, deduplicated by id.
package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"notify-relay/internal/models"
)

type Op string

const (
	OpInserted Op = "inserted"
	OpRemoved  Op = "removed"
	OpExpired  Op = "expired"
	OpRead     Op = "read"
	OpCleared  Op = "cleared"
)

// Change describes one state transition. For OpRead and OpCleared, IDs lists
// every affected notification.
type Change struct {
	Op           Op
	Notification models.Notification
	IDs          []string
}

// Timer is the part of *time.Timer the store needs.
type Timer interface {
	Stop() bool
}

// Scheduler starts expiry timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// expiry is a pending removal. gen tells a live timer from a stale one whose
// callback was already running when it was stopped.
type expiry struct {
	gen   uint64
	timer Timer
}

type Option func(*Store)

func WithScheduler(s Scheduler) Option {
	return func(st *Store) { st.sched = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(st *Store) { st.logger = l }
}

// WithCapacity bounds the store; inserting beyond it drops the oldest entry.
func WithCapacity(n int) Option {
	return func(st *Store) { st.capacity = n }
}

// WithDefaultTTL makes every Insert transient.
func WithDefaultTTL(d time.Duration) Option {
	return func(st *Store) { st.defaultTTL = d }
}

type Store struct {
	name       string
	mu         sync.Mutex
	items      []models.Notification
	index      map[string]struct{}
	timers     map[string]expiry
	gen        uint64
	capacity   int
	defaultTTL time.Duration
	listeners  map[int]func(Change)
	nextID     int
	closed     bool
	sched      Scheduler
	logger     *zap.Logger
}

func New(name string, opts ...Option) *Store {
	s := &Store{
		name:      name,
		index:     make(map[string]struct{}),
		timers:    make(map[string]expiry),
		listeners: make(map[int]func(Change)),
		sched:     realScheduler{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert appends n unless a notification with the same id is present.
func (s *Store) Insert(n models.Notification) bool {
	return s.InsertTransient(n, s.defaultTTL)
}

// InsertTransient appends n and schedules its removal after ttl. A ttl of
// zero keeps it until removed. Duplicates are ignored, including their ttl.
func (s *Store) InsertTransient(n models.Notification, ttl time.Duration) bool {
	if n.ID == "" {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.index[n.ID]; ok {
		s.mu.Unlock()
		s.logger.Debug("[STORE] Duplicate ignored", zap.String("store", s.name), zap.String("id", n.ID))
		return false
	}

	s.items = append(s.items, n)
	s.index[n.ID] = struct{}{}
	if ttl > 0 {
		s.gen++
		gen, id := s.gen, n.ID
		s.timers[id] = expiry{gen: gen, timer: s.sched.AfterFunc(ttl, func() { s.expire(id, gen) })}
	}

	var evicted []models.Notification
	for s.capacity > 0 && len(s.items) > s.capacity {
		old, _ := s.removeLocked(s.items[0].ID)
		evicted = append(evicted, old)
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, old := range evicted {
		notify(listeners, Change{Op: OpRemoved, Notification: old})
	}
	notify(listeners, Change{Op: OpInserted, Notification: n})
	return true
}

// Remove deletes id and cancels its expiry. Removing twice is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	n, ok := s.removeLocked(id)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if ok {
		notify(listeners, Change{Op: OpRemoved, Notification: n})
	}
	return ok
}

// Clear removes everything and returns how many notifications were dropped.
func (s *Store) Clear() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.items))
	for _, n := range s.items {
		ids = append(ids, n.ID)
	}
	s.stopTimersLocked()
	s.items = nil
	s.index = make(map[string]struct{})
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if len(ids) > 0 {
		notify(listeners, Change{Op: OpCleared, IDs: ids})
	}
	return len(ids)
}

// MarkRead flags id as read. It reports false when id is unknown or already read.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	var changed models.Notification
	found := false
	for i := range s.items {
		if s.items[i].ID == id && !s.items[i].Read {
			s.items[i].Read = true
			changed, found = s.items[i], true
			break
		}
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if found {
		notify(listeners, Change{Op: OpRead, Notification: changed, IDs: []string{id}})
	}
	return found
}

// MarkAllRead flags every unread notification and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	var ids []string
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].Read = true
			ids = append(ids, s.items[i].ID)
		}
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if len(ids) > 0 {
		notify(listeners, Change{Op: OpRead, IDs: ids})
	}
	return len(ids)
}

// Snapshot returns the notifications in delivery order.
func (s *Store) Snapshot() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Notification, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Get(id string) (models.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.items {
		if n.ID == id {
			return n, true
		}
	}
	return models.Notification{}, false
}

func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// Subscribe registers fn for every change. Listeners run on the goroutine
// that made the change, outside the store lock.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Close stops every pending timer and drops all listeners. The contents stay
// readable; further inserts are refused.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.stopTimersLocked()
	s.listeners = make(map[int]func(Change))
}

// Pending returns how many expiry timers are armed.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Store) expire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	n, removed := s.removeLocked(id)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if removed {
		s.logger.Debug("[STORE] Expired", zap.String("store", s.name), zap.String("id", id))
		notify(listeners, Change{Op: OpExpired, Notification: n})
	}
}

func (s *Store) removeLocked(id string) (models.Notification, bool) {
	if e, ok := s.timers[id]; ok {
		e.timer.Stop()
		delete(s.timers, id)
	}
	if _, ok := s.index[id]; !ok {
		return models.Notification{}, false
	}
	delete(s.index, id)

	for i, n := range s.items {
		if n.ID == id {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return n, true
		}
	}
	return models.Notification{}, false
}

func (s *Store) stopTimersLocked() {
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) listenersLocked() []func(Change) {
	out := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
