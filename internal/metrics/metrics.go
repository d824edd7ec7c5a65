package metrics

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Collector keeps the daemon's in-memory counters. Producers update it with
// atomic operations and never block; Snapshot is a cheap read that consumers
// can call on every scrape.
type Collector struct {
	delivered      atomic.Uint64
	dropped        atomic.Uint64
	errors         atomic.Uint64
	persistDropped atomic.Uint64

	sessions      atomic.Int64
	subscriptions atomic.Int64
	streams       atomic.Int64

	memBytes atomic.Uint64

	// Sliding window of per-second delivery counts, filled by the sampler.
	mu            sync.Mutex
	window        [10]uint64
	windowIdx     int
	windowFilled  int
	lastDelivered uint64

	done     chan struct{}
	stopOnce sync.Once
}

// Snapshot is a point-in-time view of the collector. Counters are cumulative
// since process start; MessagesPerSecond averages the last 10 seconds.
type Snapshot struct {
	ActiveSessions      int64   `json:"active_sessions"`
	ActiveSubscriptions int64   `json:"active_subscriptions"`
	ActiveStreams       int64   `json:"active_streams"`
	Delivered           uint64  `json:"delivered"`
	Dropped             uint64  `json:"dropped"`
	Errors              uint64  `json:"errors"`
	PersistDropped      uint64  `json:"persist_dropped"`
	MessagesPerSecond   float64 `json:"messages_per_second"`
	ErrorRate           float64 `json:"error_rate"`
	MemoryBytes         uint64  `json:"memory_bytes"`
}

func New() *Collector {
	return &Collector{done: make(chan struct{})}
}

// Start launches the 1s sampler that feeds the rate window and the memory
// gauge.
func (c *Collector) Start() {
	go c.loop()
	log.Printf("metrics: sampler started")
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Collector) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.done:
			return
		}
	}
}

func (c *Collector) sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.memBytes.Store(m.Sys)

	total := c.delivered.Load()
	c.mu.Lock()
	c.window[c.windowIdx] = total - c.lastDelivered
	c.windowIdx = (c.windowIdx + 1) % len(c.window)
	if c.windowFilled < len(c.window) {
		c.windowFilled++
	}
	c.lastDelivered = total
	c.mu.Unlock()
}

func (c *Collector) Delivered()      { c.delivered.Add(1) }
func (c *Collector) DroppedRecord()  { c.dropped.Add(1) }
func (c *Collector) Error()          { c.errors.Add(1) }
func (c *Collector) PersistDropped() { c.persistDropped.Add(1) }

func (c *Collector) SessionOpened()      { c.sessions.Add(1) }
func (c *Collector) SessionClosed()      { c.sessions.Add(-1) }
func (c *Collector) SubscriptionAdded()  { c.subscriptions.Add(1) }
func (c *Collector) SubscriptionGone()   { c.subscriptions.Add(-1) }
func (c *Collector) StreamOpened()       { c.streams.Add(1) }
func (c *Collector) StreamClosed()       { c.streams.Add(-1) }

func (c *Collector) Snapshot() Snapshot {
	delivered := c.delivered.Load()
	errs := c.errors.Load()

	var rate float64
	c.mu.Lock()
	if c.windowFilled > 0 {
		var sum uint64
		for i := 0; i < c.windowFilled; i++ {
			sum += c.window[i]
		}
		rate = float64(sum) / float64(c.windowFilled)
	}
	c.mu.Unlock()

	var errRate float64
	if delivered+errs > 0 {
		errRate = float64(errs) / float64(delivered+errs)
	}

	return Snapshot{
		ActiveSessions:      c.sessions.Load(),
		ActiveSubscriptions: c.subscriptions.Load(),
		ActiveStreams:       c.streams.Load(),
		Delivered:           delivered,
		Dropped:             c.dropped.Load(),
		Errors:              errs,
		PersistDropped:      c.persistDropped.Load(),
		MessagesPerSecond:   rate,
		ErrorRate:           errRate,
		MemoryBytes:         c.memBytes.Load(),
	}
}
