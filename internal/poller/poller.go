// Package poller is the fallback delivery path: it fetches the REST sources
// on a fixed schedule and hands every record to the same ingest path the
// socket uses, so the store's id dedup merges both.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"notify-relay/internal/api"
	"notify-relay/internal/normalize"
)

// fetchTimeout is the maximum time allowed for a single fetch operation.
const fetchTimeout = 30 * time.Second

const defaultInterval = 60 * time.Second

// SyncState represents the current state of a source.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
	SyncStopped
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	case SyncStopped:
		return "stopped"
	}
	return "unknown"
}

// Source is one REST endpoint polled on its own interval.
type Source struct {
	Name     string
	Event    normalize.Event
	Interval time.Duration
	Fetch    func(ctx context.Context) ([]api.Record, error)
	// Enabled gates each tick; nil means always.
	Enabled func() bool
}

// SyncStatus holds the sync state for a single source.
type SyncStatus struct {
	Name     string
	State    SyncState
	LastSync time.Time
	Records  int
	Error    error
}

// Handler receives every fetched record.
type Handler func(event normalize.Event, rec api.Record)

type sourceEntry struct {
	src     Source
	trigger chan struct{}
}

// Poller orchestrates background polling of registered sources.
type Poller struct {
	handler  Handler
	logger   *zap.Logger
	sources  []sourceEntry
	statuses map[string]*SyncStatus
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
}

func New(handler Handler, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		handler:  handler,
		logger:   logger,
		statuses: make(map[string]*SyncStatus),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a source. Sources registered after Start are not polled.
func (p *Poller) Register(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if src.Interval <= 0 {
		src.Interval = defaultInterval
	}
	p.sources = append(p.sources, sourceEntry{src: src, trigger: make(chan struct{}, 1)})
	p.statuses[src.Name] = &SyncStatus{Name: src.Name, State: SyncIdle}
}

// Start launches one goroutine per source. Each fetches immediately and then
// on its interval.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return
	}
	p.running = true

	for _, entry := range p.sources {
		p.wg.Add(1)
		go p.pollSource(entry)
	}
	p.logger.Info("[POLLER] Started", zap.Int("sources", len(p.sources)))
}

// Stop halts every source and waits for in-flight fetches to return. It is
// safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("[POLLER] Stopped")
}

// Trigger asks the named source for an immediate poll. It reports false for
// an unknown source.
func (p *Poller) Trigger(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.sources {
		if entry.src.Name != name {
			continue
		}
		select {
		case entry.trigger <- struct{}{}:
		default:
			// A poll is already queued
		}
		return true
	}
	return false
}

// Statuses returns the state of every source, sorted by name.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// pollSource runs the polling loop for a single source.
func (p *Poller) pollSource(entry sourceEntry) {
	defer p.wg.Done()

	ticker := time.NewTicker(entry.src.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Do an initial fetch immediately
	if !p.fetch(ctx, entry.src) {
		return
	}

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-entry.trigger:
		}
		if !p.fetch(ctx, entry.src) {
			return
		}
	}
}

// fetch polls src once. It reports false when the source must stop for good.
func (p *Poller) fetch(parent context.Context, src Source) bool {
	if parent.Err() != nil {
		return false
	}
	if src.Enabled != nil && !src.Enabled() {
		return true
	}
	p.setStatus(src.Name, SyncRunning, 0, nil)

	ctx, cancel := context.WithTimeout(parent, fetchTimeout)
	defer cancel()

	records, err := src.Fetch(ctx)
	if err != nil {
		if parent.Err() != nil {
			return false
		}
		if api.IsAuthError(err) {
			p.logger.Warn("[POLLER] Source unauthorized, polling stopped", zap.String("source", src.Name), zap.Error(err))
			p.setStatus(src.Name, SyncStopped, 0, err)
			return false
		}
		p.logger.Debug("[POLLER] Fetch failed", zap.String("source", src.Name), zap.Error(err))
		p.setStatus(src.Name, SyncError, 0, err)
		return true
	}

	for _, rec := range records {
		p.handler(src.Event, rec)
	}
	p.setStatus(src.Name, SyncIdle, len(records), nil)
	return true
}

// setStatus updates the sync status for a source.
func (p *Poller) setStatus(name string, state SyncState, records int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[name]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
		status.Records = records
	}
}
