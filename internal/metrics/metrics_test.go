package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAndGauges(t *testing.T) {
	c := New()

	c.Delivered()
	c.Delivered()
	c.Delivered()
	c.Error()
	c.DroppedRecord()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.StreamOpened()
	c.SubscriptionAdded()

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.Delivered)
	assert.Equal(t, uint64(1), snap.Errors)
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.Equal(t, int64(1), snap.ActiveSessions)
	assert.Equal(t, int64(1), snap.ActiveStreams)
	assert.Equal(t, int64(1), snap.ActiveSubscriptions)
	assert.InDelta(t, 0.25, snap.ErrorRate, 1e-9)
}

func TestRateWindow(t *testing.T) {
	c := New()

	for i := 0; i < 10; i++ {
		c.Delivered()
	}
	c.sample()
	for i := 0; i < 20; i++ {
		c.Delivered()
	}
	c.sample()

	snap := c.Snapshot()
	assert.InDelta(t, 15.0, snap.MessagesPerSecond, 1e-9)
}

func TestSnapshotUnderConcurrentUpdates(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Delivered()
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(8000), c.Snapshot().Delivered)
}

func TestStopIsIdempotent(t *testing.T) {
	c := New()
	c.Start()
	c.Stop()
	c.Stop()
}
