// Package mux fans a single upstream stream per job out to any number of
// subscribers. It owns the upstream adapters: an adapter is opened lazily
// when the first subscriber for a key arrives and cancelled as soon as the
// last one leaves.
package mux

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/logrelay-dev/logrelay/internal/filter"
	"github.com/logrelay-dev/logrelay/internal/metrics"
	"github.com/logrelay-dev/logrelay/internal/persist"
	"github.com/logrelay-dev/logrelay/internal/record"
	"github.com/logrelay-dev/logrelay/internal/upstream"
)

// ErrClosed is returned by Subscribe calls after Shutdown.
var ErrClosed = errors.New("mux: shut down")

type EventType string

const (
	EventLog      EventType = "log"
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
	// EventHeartbeat is never produced by the mux itself; transports emit
	// it on otherwise-idle connections.
	EventHeartbeat EventType = "heartbeat"
)

// Event is what subscribers receive. Exactly one payload field is set,
// matching Type; Error and Complete events are the stream's final event
// before its channel closes.
type Event struct {
	Type     EventType              `json:"type"`
	Log      *record.LogRecord      `json:"log,omitempty"`
	Progress *record.ProgressRecord `json:"progress,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type Options struct {
	Source           upstream.Source
	Metrics          *metrics.Collector
	Sink             persist.Sink // nil disables persistence
	SubscriberBuffer int          // per-subscriber channel depth, default 64
	PersistBatchSize int          // records per PersistBatch call, default 100
	LogRetry         upstream.RetryPolicy
	ProgressRetry    upstream.RetryPolicy
}

// Mux is the shared-stream multiplexer. At most one upstream adapter exists
// per job id (and per pipeline id) at any time, however many subscribers
// come and go.
type Mux struct {
	src       upstream.Source
	metrics   *metrics.Collector
	sink      persist.Sink
	bufSize   int
	batchSize int
	logRetry  upstream.RetryPolicy
	progRetry upstream.RetryPolicy

	mu       sync.Mutex
	logs     map[string]*sharedStream
	progress map[string]*sharedStream
	draining map[string]*upstream.Adapter // cancelled, upstream handle not yet released
	closed   bool
}

func New(opts Options) *Mux {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.PersistBatchSize <= 0 {
		opts.PersistBatchSize = 100
	}
	if opts.LogRetry.MaxAttempts == 0 {
		opts.LogRetry = upstream.DefaultLogRetry
	}
	if opts.ProgressRetry.MaxAttempts == 0 {
		opts.ProgressRetry = upstream.DefaultProgressRetry
	}
	sink := opts.Sink
	if sink == nil {
		sink = persist.NopSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Mux{
		src:       opts.Source,
		metrics:   opts.Metrics,
		sink:      sink,
		bufSize:   opts.SubscriberBuffer,
		batchSize: opts.PersistBatchSize,
		logRetry:  opts.LogRetry,
		progRetry: opts.ProgressRetry,
		logs:      make(map[string]*sharedStream),
		progress:  make(map[string]*sharedStream),
		draining:  make(map[string]*upstream.Adapter),
	}
}

// Subscription is one subscriber's handle on a shared stream. Events arrive
// on Events(); the channel closes after the final error/complete event or
// after Unsubscribe.
type Subscription struct {
	ch     chan Event
	filter atomic.Pointer[filter.Filter]
	once   sync.Once
	unsub  func()
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// SetFilter replaces the subscription's filter. Takes effect for the next
// delivered record; in-flight buffered events are unaffected.
func (s *Subscription) SetFilter(f *filter.Filter) { s.filter.Store(f) }

// Unsubscribe removes the subscription and closes its channel. Idempotent.
// After it returns no further event is delivered to this handle.
func (s *Subscription) Unsubscribe() { s.once.Do(s.unsub) }

// push delivers ev without ever blocking: when the buffer is full the oldest
// queued event is dropped to make room.
func (s *Subscription) push(ev Event, mc *metrics.Collector, count bool) {
	select {
	case s.ch <- ev:
		if count {
			mc.Delivered()
		}
		return
	default:
	}
	select {
	case <-s.ch:
		mc.DroppedRecord()
	default:
	}
	select {
	case s.ch <- ev:
		if count {
			mc.Delivered()
		}
	default:
		mc.DroppedRecord()
	}
}

type sharedStream struct {
	kind string // "logs" or "progress"
	key  string

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	last    *Event
	done    bool
	pending []record.LogRecord // persist buffer, logs only

	adapter *upstream.Adapter // written once while holding Mux.mu
}

func (m *Mux) streamMap(kind string) map[string]*sharedStream {
	if kind == "progress" {
		return m.progress
	}
	return m.logs
}

func drainKey(kind, key string) string { return kind + "/" + key }

// parkAdapter records a stream's adapter at the moment the stream leaves the
// registry, so a replacement stream for the same key waits for the old
// upstream handle to be released before dialing. Caller holds m.mu; the
// adapter field is stable because it is only ever written under m.mu.
func (m *Mux) parkAdapter(ss *sharedStream) {
	a := ss.adapter
	if a == nil {
		return
	}
	k := drainKey(ss.kind, ss.key)
	m.draining[k] = a
	go func() {
		<-a.Done()
		m.mu.Lock()
		if m.draining[k] == a {
			delete(m.draining, k)
		}
		m.mu.Unlock()
	}()
}

// SubscribeLogs attaches a subscriber to jobID's log stream, opening the
// upstream adapter if this is the first subscriber. A late subscriber
// immediately receives the stream's last record (if it passes f) before
// live records.
func (m *Mux) SubscribeLogs(jobID string, f *filter.Filter) (*Subscription, error) {
	return m.subscribe("logs", jobID, f)
}

// SubscribeProgress is SubscribeLogs for a pipeline's progress stream.
func (m *Mux) SubscribeProgress(pipelineID string, f *filter.Filter) (*Subscription, error) {
	return m.subscribe("progress", pipelineID, f)
}

func (m *Mux) subscribe(kind, key string, f *filter.Filter) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.closed {
			return nil, ErrClosed
		}
		// A torn-down stream for this key may still hold its upstream
		// connection until its receive loop exits. Opening a second one in
		// that window would break the one-upstream-per-key guarantee, so
		// wait it out.
		prev := m.draining[drainKey(kind, key)]
		if prev == nil {
			break
		}
		m.mu.Unlock()
		<-prev.Done()
		m.mu.Lock()
		if m.draining[drainKey(kind, key)] == prev {
			delete(m.draining, drainKey(kind, key))
		}
	}

	streams := m.streamMap(kind)
	ss := streams[key]
	created := ss == nil
	if created {
		ss = &sharedStream{kind: kind, key: key, subs: make(map[*Subscription]struct{})}
		streams[key] = ss
	}

	sub := &Subscription{ch: make(chan Event, m.bufSize)}
	sub.filter.Store(f)
	sub.unsub = func() { m.unsubscribe(ss, sub) }

	ss.mu.Lock()
	ss.subs[sub] = struct{}{}
	if ss.last != nil && eventMatches(f, *ss.last) {
		sub.push(*ss.last, m.metrics, true)
	}
	ss.mu.Unlock()

	if created {
		m.openAdapter(ss)
		m.metrics.StreamOpened()
		log.Printf("mux: opened %s stream %s", kind, key)
	}

	m.metrics.SubscriptionAdded()
	return sub, nil
}

// openAdapter is called with Mux.mu held so no teardown can interleave with
// the adapter assignment.
func (m *Mux) openAdapter(ss *sharedStream) {
	switch ss.kind {
	case "progress":
		ss.adapter = upstream.OpenProgress(m.src, ss.key, m.progRetry, upstream.ProgressHandlers{
			OnRecord: func(r record.ProgressRecord) { m.deliverProgress(ss, r) },
			OnError:  func(err error) { m.fail(ss, err) },
			OnClose:  func() { m.finish(ss, Event{Type: EventComplete}) },
		})
	default:
		ss.adapter = upstream.OpenLogs(m.src, ss.key, m.logRetry, upstream.LogHandlers{
			OnRecord: func(r record.LogRecord) { m.deliverLog(ss, r) },
			OnError:  func(err error) { m.fail(ss, err) },
			OnClose:  func() { m.finish(ss, Event{Type: EventComplete}) },
		})
	}
}

func (m *Mux) deliverLog(ss *sharedStream, r record.LogRecord) {
	ev := Event{Type: EventLog, Log: &r}

	ss.mu.Lock()
	if ss.done {
		ss.mu.Unlock()
		return
	}
	ss.last = &ev
	for sub := range ss.subs {
		if sub.filter.Load().Matches(r) {
			sub.push(ev, m.metrics, true)
		}
	}
	ss.pending = append(ss.pending, r)
	var flush []record.LogRecord
	if len(ss.pending) >= m.batchSize {
		flush = ss.pending
		ss.pending = nil
	}
	ss.mu.Unlock()

	if flush != nil {
		m.sink.PersistBatch(ss.key, flush)
	}
}

func (m *Mux) deliverProgress(ss *sharedStream, r record.ProgressRecord) {
	ev := Event{Type: EventProgress, Progress: &r}

	ss.mu.Lock()
	if ss.done {
		ss.mu.Unlock()
		return
	}
	ss.last = &ev
	for sub := range ss.subs {
		if sub.filter.Load().MatchesProgress(r) {
			sub.push(ev, m.metrics, true)
		}
	}
	ss.mu.Unlock()
}

func eventMatches(f *filter.Filter, ev Event) bool {
	switch ev.Type {
	case EventLog:
		return f.Matches(*ev.Log)
	case EventProgress:
		return f.MatchesProgress(*ev.Progress)
	}
	return true
}

// fail handles a terminal upstream error: every current subscriber gets one
// error event, then the stream is removed. A later Subscribe for the same
// key starts fresh.
func (m *Mux) fail(ss *sharedStream, err error) {
	m.metrics.Error()
	log.Printf("mux: %s stream %s failed: %v", ss.kind, ss.key, err)
	m.finish(ss, Event{Type: EventError, Error: err.Error()})
}

// finish removes ss from the registry (if still present) and tears it down,
// delivering final to the remaining subscribers.
func (m *Mux) finish(ss *sharedStream, final Event) {
	m.mu.Lock()
	streams := m.streamMap(ss.kind)
	if streams[ss.key] != ss {
		m.mu.Unlock()
		return
	}
	delete(streams, ss.key)
	m.parkAdapter(ss)
	m.mu.Unlock()

	m.teardown(ss, final)
}

// teardown closes all subscriber channels and cancels the adapter. Safe to
// call at most-once semantics via ss.done; the caller must already have
// removed ss from the stream map.
func (m *Mux) teardown(ss *sharedStream, final Event) {
	ss.mu.Lock()
	if ss.done {
		ss.mu.Unlock()
		return
	}
	ss.done = true
	flush := ss.pending
	ss.pending = nil
	for sub := range ss.subs {
		sub.push(final, m.metrics, false)
		close(sub.ch)
		delete(ss.subs, sub)
		m.metrics.SubscriptionGone()
	}
	ss.mu.Unlock()

	m.metrics.StreamClosed()
	if ss.adapter != nil {
		ss.adapter.Cancel()
	}
	if len(flush) > 0 {
		m.sink.PersistBatch(ss.key, flush)
	}
}

func (m *Mux) unsubscribe(ss *sharedStream, sub *Subscription) {
	m.mu.Lock()
	ss.mu.Lock()
	if _, ok := ss.subs[sub]; !ok {
		// Already removed by a teardown racing this unsubscribe.
		ss.mu.Unlock()
		m.mu.Unlock()
		return
	}
	delete(ss.subs, sub)
	close(sub.ch)
	m.metrics.SubscriptionGone()
	last := len(ss.subs) == 0 && !ss.done
	ss.mu.Unlock()

	if last {
		delete(m.streamMap(ss.kind), ss.key)
		m.parkAdapter(ss)
	}
	m.mu.Unlock()

	if last {
		log.Printf("mux: closed %s stream %s (no subscribers)", ss.kind, ss.key)
		m.teardown(ss, Event{Type: EventComplete})
	}
}

// ActiveStreams reports how many shared streams are currently open.
func (m *Mux) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs) + len(m.progress)
}

// Shutdown cancels every adapter and closes every subscriber channel with a
// complete event. Subsequent Subscribe calls return ErrClosed.
func (m *Mux) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var all []*sharedStream
	for key, ss := range m.logs {
		all = append(all, ss)
		delete(m.logs, key)
	}
	for key, ss := range m.progress {
		all = append(all, ss)
		delete(m.progress, key)
	}
	m.mu.Unlock()

	for _, ss := range all {
		m.teardown(ss, Event{Type: EventComplete})
	}
	log.Printf("mux: shut down (%d streams closed)", len(all))
}
