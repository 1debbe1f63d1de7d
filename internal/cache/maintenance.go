package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepResult reports what one maintenance pass removed
type SweepResult struct {
	Expired         int
	PressureEvicted int
	SizeBytes       int64
	Duration        time.Duration
}

// Start launches the maintenance loop. It runs until ctx is done or Stop is
// called. Calling Start more than once, after Stop, or with a zero cleanup
// interval does nothing.
func (c *Cache) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.started || c.stopped || c.interval <= 0 {
		return
	}
	c.started = true

	c.wg.Add(1)
	go c.maintain(ctx)
}

// Stop terminates the maintenance loop and waits for it to exit. It is safe
// to call more than once.
func (c *Cache) Stop() {
	c.lifecycle.Lock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	c.lifecycle.Unlock()

	c.wg.Wait()
}

func (c *Cache) maintain(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one maintenance pass: expired entries are dropped, memory
// pressure is relieved by access density and the peak usage is recorded.
func (c *Cache) Sweep() SweepResult {
	start := time.Now()

	c.mu.Lock()
	now := c.now()
	expired := c.removeExpired(now)
	pressured := c.relievePressure(now)
	if c.totalSize > c.counters.peakBytes {
		c.counters.peakBytes = c.totalSize
	}
	size := c.totalSize
	c.mu.Unlock()

	c.notifyEvicted(expired)
	c.notifyEvicted(pressured)

	result := SweepResult{
		Expired:         len(expired),
		PressureEvicted: len(pressured),
		SizeBytes:       size,
		Duration:        time.Since(start),
	}

	if result.Expired > 0 || result.PressureEvicted > 0 {
		c.logger.LogPerformanceEvent(context.Background(), "cache_sweep", result.Duration, logrus.Fields{
			"component":        "cache",
			"expired":          result.Expired,
			"pressure_evicted": result.PressureEvicted,
			"size_bytes":       result.SizeBytes,
		})
	}

	return result
}
