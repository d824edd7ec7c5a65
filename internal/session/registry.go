// Package session tracks per-client subscription state: which jobs and
// pipelines a client watches, its active filter, and its activity timestamps.
// The registry exclusively owns Session objects; transports hold only the
// session id.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logrelay-dev/logrelay/internal/filter"
	"github.com/logrelay-dev/logrelay/internal/metrics"
	"github.com/logrelay-dev/logrelay/internal/mux"
)

var (
	// ErrCapacity is returned by Create once the session ceiling is reached.
	// The transport layer maps it to a resource-exhausted response.
	ErrCapacity = errors.New("session: capacity reached")
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("session: not found")
)

type Config struct {
	MaxSessions   int           // default 1000
	IdleTimeout   time.Duration // default 30m
	SweepInterval time.Duration // default 60s
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

type session struct {
	id           string
	createdAt    time.Time
	lastActivity time.Time
	filter       *filter.Filter
	subs         map[string]*mux.Subscription // keyed "job:<id>" / "pipeline:<id>"
	closed       bool
}

// Info is the read-only view of a session handed to transports.
type Info struct {
	ID           string         `json:"session_id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Filter       *filter.Filter `json:"filter,omitempty"`
	Watching     []string       `json:"watching"`
}

// Registry manages session lifecycle and runs the idle-expiry sweep.
type Registry struct {
	cfg     Config
	mux     *mux.Mux
	metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[string]*session

	done     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(cfg Config, m *mux.Mux, mc *metrics.Collector) *Registry {
	cfg.applyDefaults()
	if mc == nil {
		mc = metrics.New()
	}
	return &Registry{
		cfg:      cfg,
		mux:      m,
		metrics:  mc,
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
}

// Start launches the expiry sweep.
func (r *Registry) Start() {
	go r.sweepLoop()
	log.Printf("session: registry started (max=%d, idle_timeout=%s, sweep=%s)",
		r.cfg.MaxSessions, r.cfg.IdleTimeout, r.cfg.SweepInterval)
}

// Stop halts the sweep and closes every live session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if r.closeLocked(s) {
			n++
		}
		delete(r.sessions, id)
	}
	if n > 0 {
		log.Printf("session: registry stopped, closed %d sessions", n)
	}
}

// Create registers a new session. The filter is validated up front; no
// session is created on a validation or capacity failure.
func (r *Registry) Create(f *filter.Filter) (Info, error) {
	if err := f.Validate(); err != nil {
		return Info{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.cfg.MaxSessions {
		return Info{}, fmt.Errorf("%w (%d live)", ErrCapacity, len(r.sessions))
	}

	now := time.Now()
	s := &session{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		filter:       f,
		subs:         make(map[string]*mux.Subscription),
	}
	r.sessions[s.id] = s
	r.metrics.SessionOpened()
	return r.infoLocked(s), nil
}

// Close ends a session and releases all of its stream subscriptions.
// Idempotent: closing an unknown or already-closed session is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	r.closeLocked(s)
	delete(r.sessions, id)
}

// closeLocked returns false if the session was already closed, so counters
// are decremented exactly once however Close races the sweep.
func (r *Registry) closeLocked(s *session) bool {
	if s.closed {
		return false
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	r.metrics.SessionClosed()
	return true
}

// UpdateFilter validates and atomically replaces the session's filter. On a
// validation error the prior filter stays in effect. Live subscriptions pick
// the new filter up for the next record; the underlying shared streams are
// not reopened.
func (r *Registry) UpdateFilter(id string, f *filter.Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.filter = f
	s.lastActivity = time.Now()
	for _, sub := range s.subs {
		sub.SetFilter(f)
	}
	return nil
}

// Touch records client activity (keep-alive) so the sweep spares the session.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.lastActivity = time.Now()
	return nil
}

// WatchJob subscribes the session to a job's log stream and returns the
// subscription the transport reads from.
func (r *Registry) WatchJob(id, jobID string) (*mux.Subscription, error) {
	return r.watch(id, "job:"+jobID, func(f *filter.Filter) (*mux.Subscription, error) {
		return r.mux.SubscribeLogs(jobID, f)
	})
}

// WatchPipeline subscribes the session to a pipeline's progress stream.
func (r *Registry) WatchPipeline(id, pipelineID string) (*mux.Subscription, error) {
	return r.watch(id, "pipeline:"+pipelineID, func(f *filter.Filter) (*mux.Subscription, error) {
		return r.mux.SubscribeProgress(pipelineID, f)
	})
}

func (r *Registry) watch(id, key string, open func(*filter.Filter) (*mux.Subscription, error)) (*mux.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.subs[key]; ok {
		return nil, fmt.Errorf("session: %s already watched by %s", key, id)
	}

	sub, err := open(s.filter)
	if err != nil {
		return nil, err
	}
	s.subs[key] = sub
	s.lastActivity = time.Now()
	return sub, nil
}

// UnwatchJob drops the session's subscription to a job. Idempotent.
func (r *Registry) UnwatchJob(id, jobID string) {
	r.unwatch(id, "job:"+jobID)
}

func (r *Registry) UnwatchPipeline(id, pipelineID string) {
	r.unwatch(id, "pipeline:"+pipelineID)
}

func (r *Registry) unwatch(id, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if sub, ok := s.subs[key]; ok {
		sub.Unsubscribe()
		delete(s.subs, key)
		s.lastActivity = time.Now()
	}
}

// Get returns the session's current state.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return r.infoLocked(s), nil
}

func (r *Registry) infoLocked(s *session) Info {
	watching := make([]string, 0, len(s.subs))
	for key := range s.subs {
		watching = append(watching, key)
	}
	return Info{
		ID:           s.id,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Filter:       s.filter,
		Watching:     watching,
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Metrics exposes the collector snapshot through the registry, which is the
// component transports already hold.
func (r *Registry) Metrics() metrics.Snapshot {
	return r.metrics.Snapshot()
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// sweep expires sessions idle longer than the configured timeout, closing
// them exactly as Close would.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		idle := now.Sub(s.lastActivity)
		if idle <= r.cfg.IdleTimeout {
			continue
		}
		if r.closeLocked(s) {
			log.Printf("session: expired %s (idle %s)", id, idle.Round(time.Second))
		}
		delete(r.sessions, id)
	}
}
