package performance

import (
	"time"

	"github.com/NikhilSetiya/evalcache/internal/batch"
	"github.com/NikhilSetiya/evalcache/internal/cache"
	"github.com/NikhilSetiya/evalcache/pkg/metrics"
	"github.com/NikhilSetiya/evalcache/pkg/resilience"
)

// Statistics is a point-in-time report of the whole pipeline
type Statistics struct {
	UptimeSeconds       float64                 `json:"uptime_seconds"`
	Enabled             bool                    `json:"enabled"`
	Initialized         bool                    `json:"initialized"`
	TotalEvaluations    int64                   `json:"total_evaluations"`
	TotalTimeMS         float64                 `json:"total_time_ms"`
	AverageLatencyMS    float64                 `json:"average_latency_ms"`
	ThroughputPerSecond float64                 `json:"throughput_per_second"`
	Fallbacks           int64                   `json:"fallbacks"`
	Cache               cache.Stats             `json:"cache"`
	CircuitBreaker      resilience.BreakerStats `json:"circuit_breaker"`
	Processor           *batch.Stats            `json:"processor,omitempty"`
}

// Stats aggregates the counters of every component
func (m *Manager) Stats() Statistics {
	m.mu.RLock()
	processor := m.processor
	initialized := m.initialized && !m.closed
	m.mu.RUnlock()

	total := m.totalEvaluations.Load()
	totalTime := time.Duration(m.totalTimeNanos.Load())
	uptime := time.Since(m.startedAt).Seconds()

	stats := Statistics{
		UptimeSeconds:    uptime,
		Enabled:          m.enabled.Load(),
		Initialized:      initialized,
		TotalEvaluations: total,
		TotalTimeMS:      float64(totalTime) / float64(time.Millisecond),
		Fallbacks:        m.fallbacks.Load(),
		Cache:            m.cache.Stats(),
		CircuitBreaker:   m.breaker.Stats(),
	}

	if total > 0 {
		stats.AverageLatencyMS = stats.TotalTimeMS / float64(total)
	}
	if uptime > 0 {
		stats.ThroughputPerSecond = float64(total) / uptime
	}
	if processor != nil {
		ps := processor.Stats()
		stats.Processor = &ps
	}

	return stats
}

// MetricsSnapshot implements metrics.SnapshotSource
func (m *Manager) MetricsSnapshot() metrics.Snapshot {
	cs := m.cache.Stats()
	snapshot := metrics.Snapshot{
		CacheName:      cacheName,
		CacheEntries:   cs.Entries,
		CacheSizeBytes: cs.SizeBytes,
		CacheHitRatio:  cs.HitRate,
		CacheEvictions: cs.Evictions,
		BreakerName:    m.breaker.Name(),
		BreakerState:   int(m.breaker.State()),
		ProcessorName:  processorName,
	}

	m.mu.RLock()
	processor := m.processor
	m.mu.RUnlock()

	if processor != nil {
		ps := processor.Stats()
		snapshot.QueueDepth = ps.QueueDepth
		snapshot.ActiveBatches = ps.ActiveBatches
	}

	return snapshot
}
