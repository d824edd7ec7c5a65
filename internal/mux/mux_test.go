package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logrelay-dev/logrelay/internal/filter"
	"github.com/logrelay-dev/logrelay/internal/metrics"
	"github.com/logrelay-dev/logrelay/internal/record"
	"github.com/logrelay-dev/logrelay/internal/upstream"
)

// fakeSource is a controllable upstream: tests push records and errors into
// the stream it hands to the adapter, and it tracks how many streams are
// open at once (a stream counts as released only once it is closed).
type fakeSource struct {
	mu        sync.Mutex
	opens     map[string]int
	openErrs  map[string][]error
	cur       map[string]*fakeStream
	active    int
	maxActive int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		opens:    make(map[string]int),
		openErrs: make(map[string][]error),
		cur:      make(map[string]*fakeStream),
	}
}

type fakeStream struct {
	ctx     context.Context
	ch      chan any // record.LogRecord, record.ProgressRecord, or error
	release func()
}

func (s *fakeStream) Recv() (record.LogRecord, error) {
	select {
	case v := <-s.ch:
		switch x := v.(type) {
		case record.LogRecord:
			return x, nil
		case error:
			return record.LogRecord{}, x
		}
		panic("unexpected value")
	case <-s.ctx.Done():
		return record.LogRecord{}, s.ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.release()
	return nil
}

func (f *fakeSource) OpenLogStream(ctx context.Context, jobID string) (upstream.LogStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens[jobID]++
	if errs := f.openErrs[jobID]; len(errs) > 0 {
		err := errs[0]
		f.openErrs[jobID] = errs[1:]
		return nil, err
	}

	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}

	var once sync.Once
	s := &fakeStream{ctx: ctx, ch: make(chan any, 256)}
	// A stream stays accounted as open until the adapter calls Close; mere
	// cancellation is not enough, the handle is still held.
	s.release = func() {
		once.Do(func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		})
	}

	f.cur[jobID] = s
	return s, nil
}

type fakeProgressStream struct{ *fakeStream }

func (s fakeProgressStream) Recv() (record.ProgressRecord, error) {
	select {
	case v := <-s.ch:
		switch x := v.(type) {
		case record.ProgressRecord:
			return x, nil
		case error:
			return record.ProgressRecord{}, x
		}
		panic("unexpected value")
	case <-s.ctx.Done():
		return record.ProgressRecord{}, s.ctx.Err()
	}
}

func (f *fakeSource) OpenProgressStream(ctx context.Context, pipelineID string) (upstream.ProgressStream, error) {
	s, err := f.OpenLogStream(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	return fakeProgressStream{s.(*fakeStream)}, nil
}

func (f *fakeSource) openCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[key]
}

// waitStream waits until the adapter has opened a stream for key.
func (f *fakeSource) waitStream(t *testing.T, key string) *fakeStream {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		s := f.cur[key]
		f.mu.Unlock()
		if s != nil {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no upstream stream opened for %s", key)
	return nil
}

func (f *fakeSource) emit(t *testing.T, key string, v any) {
	t.Helper()
	s := f.waitStream(t, key)
	select {
	case s.ch <- v:
	case <-time.After(time.Second):
		t.Fatalf("emit to %s blocked", key)
	}
}

func logRec(jobID string, level record.Level, msg string) record.LogRecord {
	return record.LogRecord{
		JobID:     jobID,
		WorkerID:  "worker-1",
		Level:     level,
		Source:    record.SourceStdout,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(5 * time.Second):
		t.Fatal("channel was not closed")
	}
}

func newTestMux(src upstream.Source) (*Mux, *metrics.Collector) {
	mc := metrics.New()
	m := New(Options{
		Source:   src,
		Metrics:  mc,
		LogRetry: upstream.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
	})
	return m, mc
}

// Scenario: an ERROR-level filter sees only the two ERROR records out of
// seven, in upstream order.
func TestSubscribeWithLevelFilter(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	f := &filter.Filter{Levels: []record.Level{record.LevelError}}
	sub, err := m.SubscribeLogs("build-1", f)
	require.NoError(t, err)

	src.emit(t, "build-1", logRec("build-1", record.LevelInfo, "info 1"))
	src.emit(t, "build-1", logRec("build-1", record.LevelError, "boom 1"))
	src.emit(t, "build-1", logRec("build-1", record.LevelInfo, "info 2"))
	src.emit(t, "build-1", logRec("build-1", record.LevelInfo, "info 3"))
	src.emit(t, "build-1", logRec("build-1", record.LevelError, "boom 2"))
	src.emit(t, "build-1", logRec("build-1", record.LevelInfo, "info 4"))
	src.emit(t, "build-1", logRec("build-1", record.LevelInfo, "info 5"))

	ev := recvEvent(t, sub)
	require.Equal(t, EventLog, ev.Type)
	assert.Equal(t, "boom 1", ev.Log.Message)

	ev = recvEvent(t, sub)
	assert.Equal(t, "boom 2", ev.Log.Message)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	sub.Unsubscribe()
}

// Scenario: two unfiltered subscribers both receive all three records, and
// only one upstream stream was ever opened.
func TestFanOutSharesOneUpstream(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	sub1, err := m.SubscribeLogs("build-2", nil)
	require.NoError(t, err)
	src.waitStream(t, "build-2")

	sub2, err := m.SubscribeLogs("build-2", nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		src.emit(t, "build-2", logRec("build-2", record.LevelInfo, fmt.Sprintf("line %d", i)))
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		for i := 1; i <= 3; i++ {
			ev := recvEvent(t, sub)
			require.Equal(t, EventLog, ev.Type)
			assert.Equal(t, fmt.Sprintf("line %d", i), ev.Log.Message)
		}
	}

	assert.Equal(t, 1, src.openCount("build-2"))
	sub1.Unsubscribe()
	sub2.Unsubscribe()
}

// Scenario: subscribe/unsubscribe tears the stream down; the next subscriber
// pays for a fresh upstream open.
func TestResubscribeOpensFreshStream(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	sub, err := m.SubscribeLogs("build-3", nil)
	require.NoError(t, err)
	src.waitStream(t, "build-3")
	sub.Unsubscribe()

	assert.Equal(t, 0, m.ActiveStreams())

	sub2, err := m.SubscribeLogs("build-3", nil)
	require.NoError(t, err)
	defer sub2.Unsubscribe()

	waitFor(t, func() bool { return src.openCount("build-3") == 2 })
}

// Scenario: exhausted retries surface exactly one error event per subscriber
// and remove the shared stream.
func TestExhaustedRetriesFanOutError(t *testing.T) {
	src := newFakeSource()
	src.openErrs["build-4"] = []error{
		errors.New("unavailable"),
		errors.New("unavailable"),
		errors.New("unavailable"),
	}
	m, mc := newTestMux(src)
	defer m.Shutdown()

	sub1, err := m.SubscribeLogs("build-4", nil)
	require.NoError(t, err)
	sub2, err := m.SubscribeLogs("build-4", nil)
	require.NoError(t, err)

	for _, sub := range []*Subscription{sub1, sub2} {
		ev := recvEvent(t, sub)
		require.Equal(t, EventError, ev.Type)
		assert.Contains(t, ev.Error, "retries exhausted")
		expectClosed(t, sub)
	}

	assert.Equal(t, 0, m.ActiveStreams())
	assert.Equal(t, uint64(1), mc.Snapshot().Errors)

	// Unsubscribe after teardown is a harmless no-op.
	sub1.Unsubscribe()
	sub1.Unsubscribe()
	assert.Equal(t, int64(0), mc.Snapshot().ActiveSubscriptions)
}

// A late subscriber immediately receives the stream's last record.
func TestLateSubscriberGetsLastRecord(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	sub1, err := m.SubscribeLogs("build-5", nil)
	require.NoError(t, err)

	src.emit(t, "build-5", logRec("build-5", record.LevelInfo, "early"))
	ev := recvEvent(t, sub1)
	assert.Equal(t, "early", ev.Log.Message)

	sub2, err := m.SubscribeLogs("build-5", nil)
	require.NoError(t, err)
	ev = recvEvent(t, sub2)
	assert.Equal(t, "early", ev.Log.Message)

	// The replay respects the late subscriber's filter.
	sub3, err := m.SubscribeLogs("build-5", &filter.Filter{Levels: []record.Level{record.LevelError}})
	require.NoError(t, err)
	select {
	case ev := <-sub3.Events():
		t.Fatalf("filtered-out replay was delivered: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	sub1.Unsubscribe()
	sub2.Unsubscribe()
	sub3.Unsubscribe()
}

// Clean upstream end delivers a complete event and closes every channel.
func TestUpstreamCompleteClosesSubscribers(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	sub, err := m.SubscribeLogs("build-6", nil)
	require.NoError(t, err)

	src.emit(t, "build-6", logRec("build-6", record.LevelInfo, "done"))
	src.emit(t, "build-6", io.EOF)

	ev := recvEvent(t, sub)
	assert.Equal(t, EventLog, ev.Type)
	ev = recvEvent(t, sub)
	assert.Equal(t, EventComplete, ev.Type)
	expectClosed(t, sub)

	waitFor(t, func() bool { return m.ActiveStreams() == 0 })
}

// Progress streams share the same machinery.
func TestProgressSubscription(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	sub, err := m.SubscribeProgress("pipe-1", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	src.emit(t, "pipe-1", record.ProgressRecord{
		PipelineID: "pipe-1",
		StageID:    "build",
		Status:     record.StageRunning,
		Percentage: 40,
	})

	ev := recvEvent(t, sub)
	require.Equal(t, EventProgress, ev.Type)
	assert.Equal(t, "build", ev.Progress.StageID)
	assert.Equal(t, 40, ev.Progress.Percentage)
}

// SetFilter takes effect going forward without reopening the upstream.
func TestSetFilterDoesNotInterruptStream(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	sub, err := m.SubscribeLogs("build-7", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	src.emit(t, "build-7", logRec("build-7", record.LevelInfo, "before"))
	assert.Equal(t, "before", recvEvent(t, sub).Log.Message)

	sub.SetFilter(&filter.Filter{Levels: []record.Level{record.LevelError}})

	src.emit(t, "build-7", logRec("build-7", record.LevelInfo, "filtered"))
	src.emit(t, "build-7", logRec("build-7", record.LevelError, "kept"))
	assert.Equal(t, "kept", recvEvent(t, sub).Log.Message)

	assert.Equal(t, 1, src.openCount("build-7"))
}

// A slow subscriber loses old events but never blocks delivery to others.
func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	src := newFakeSource()
	mc := metrics.New()
	m := New(Options{
		Source:           src,
		Metrics:          mc,
		SubscriberBuffer: 2,
		LogRetry:         upstream.RetryPolicy{MaxAttempts: 1, Delay: time.Millisecond},
	})
	defer m.Shutdown()

	slow, err := m.SubscribeLogs("build-8", nil)
	require.NoError(t, err)
	fast, err := m.SubscribeLogs("build-8", nil)
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		src.emit(t, "build-8", logRec("build-8", record.LevelInfo, fmt.Sprintf("msg %d", i)))
	}

	// The fast subscriber may shed under a tiny buffer too, but what it sees
	// must be an in-order subsequence that reaches the final record.
	lastSeen := -1
	deadline := time.After(5 * time.Second)
	for lastSeen != n-1 {
		select {
		case ev := <-fast.Events():
			var idx int
			_, err := fmt.Sscanf(ev.Log.Message, "msg %d", &idx)
			require.NoError(t, err)
			assert.Greater(t, idx, lastSeen, "out-of-order delivery")
			lastSeen = idx
		case <-deadline:
			t.Fatalf("fast subscriber stalled after msg %d", lastSeen)
		}
	}

	// The slow subscriber kept at most its buffer worth of events and the
	// rest were dropped, not blocked on.
	assert.LessOrEqual(t, len(slow.Events()), 2)
	assert.Greater(t, mc.Snapshot().Dropped, uint64(0))

	slow.Unsubscribe()
	fast.Unsubscribe()
}

// When the last unsubscribe races a fresh subscribe on the same job, the
// replacement stream must not dial upstream until the dying stream's handle
// has been released.
func TestResubscribeWaitsForUpstreamRelease(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)
	defer m.Shutdown()

	for i := 0; i < 50; i++ {
		sub, err := m.SubscribeLogs("build-swap", nil)
		require.NoError(t, err)
		src.waitStream(t, "build-swap")

		var next *Subscription
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
		go func() {
			defer wg.Done()
			s, err := m.SubscribeLogs("build-swap", nil)
			assert.NoError(t, err)
			next = s
		}()
		wg.Wait()

		if next != nil {
			next.Unsubscribe()
		}
		waitFor(t, func() bool {
			src.mu.Lock()
			defer src.mu.Unlock()
			return src.active == 0
		})
	}

	src.mu.Lock()
	maxActive := src.maxActive
	src.mu.Unlock()
	require.LessOrEqual(t, maxActive, 1, "two upstream streams open concurrently for one job")
}

// Property: however subscribe/unsubscribe interleave across goroutines, at
// most one upstream stream per job is ever open, and everything is torn
// down at the end.
func TestSingleUpstreamInvariantUnderChurn(t *testing.T) {
	src := newFakeSource()
	m, mc := newTestMux(src)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub, err := m.SubscribeLogs("build-churn", nil)
				if err != nil {
					return
				}
				if (g+i)%3 == 0 {
					time.Sleep(time.Duration(i%5) * time.Millisecond)
				}
				sub.Unsubscribe()
				sub.Unsubscribe()
			}
		}(g)
	}
	wg.Wait()

	src.mu.Lock()
	maxActive := src.maxActive
	src.mu.Unlock()
	assert.LessOrEqual(t, maxActive, 1, "more than one upstream stream open for one job")

	assert.Equal(t, 0, m.ActiveStreams())
	assert.Equal(t, int64(0), mc.Snapshot().ActiveSubscriptions)

	m.Shutdown()
}

func TestSubscribeAfterShutdown(t *testing.T) {
	src := newFakeSource()
	m, _ := newTestMux(src)

	sub, err := m.SubscribeLogs("build-9", nil)
	require.NoError(t, err)

	m.Shutdown()
	m.Shutdown() // idempotent

	// Existing subscriber saw a complete event and a closed channel.
	ev := recvEvent(t, sub)
	assert.Equal(t, EventComplete, ev.Type)
	expectClosed(t, sub)

	_, err = m.SubscribeLogs("build-9", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
