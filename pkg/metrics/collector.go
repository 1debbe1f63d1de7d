package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// Snapshot is the subset of runtime state exported as gauges
type Snapshot struct {
	CacheName      string
	CacheEntries   int
	CacheSizeBytes int64
	CacheHitRatio  float64
	CacheEvictions int64

	BreakerName  string
	BreakerState int

	ProcessorName string
	QueueDepth    int
	ActiveBatches int64
}

// SnapshotSource is polled by the collector
type SnapshotSource interface {
	MetricsSnapshot() Snapshot
}

// StatsCollector periodically copies a SnapshotSource into the gauges
type StatsCollector struct {
	metrics  *Metrics
	source   SnapshotSource
	interval time.Duration
	logger   *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewStatsCollector creates a new collector
func NewStatsCollector(metrics *Metrics, source SnapshotSource, interval time.Duration, logger *logging.Logger) *StatsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &StatsCollector{
		metrics:  metrics,
		source:   source,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start collects once immediately and then every interval until ctx is done
// or Stop is called. It blocks; run it in its own goroutine.
func (sc *StatsCollector) Start(ctx context.Context) {
	defer close(sc.doneCh)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.Collect()
	sc.logger.Debug("Stats collector started", "interval", sc.interval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		case <-ticker.C:
			sc.Collect()
		}
	}
}

// Stop stops the collector and waits for Start to return. Start must have been called.
func (sc *StatsCollector) Stop() {
	sc.stopOnce.Do(func() {
		close(sc.stopCh)
	})
	<-sc.doneCh
}

// Collect performs a single poll
func (sc *StatsCollector) Collect() {
	sc.metrics.UpdateSnapshot(sc.source.MetricsSnapshot())
}
