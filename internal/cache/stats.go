package cache

type counters struct {
	hits          int64
	misses        int64
	evictions     int64
	totalRequests int64
	peakBytes     int64
}

// Stats is a point-in-time snapshot of the cache
type Stats struct {
	Entries          int      `json:"entries"`
	MaxEntries       int      `json:"max_entries"`
	SizeBytes        int64    `json:"size_bytes"`
	SizeMB           float64  `json:"size_mb"`
	MemoryLimitBytes int64    `json:"memory_limit_bytes"`
	PeakMemoryBytes  int64    `json:"peak_memory_bytes"`
	PeakMemoryMB     float64  `json:"peak_memory_mb"`
	Hits             int64    `json:"hits"`
	Misses           int64    `json:"misses"`
	Evictions        int64    `json:"evictions"`
	TotalRequests    int64    `json:"total_requests"`
	HitRate          float64  `json:"hit_rate"`
	Strategy         Strategy `json:"strategy"`
}

// Stats returns the current counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Entries:          c.lru.Len(),
		MaxEntries:       c.maxEntries,
		SizeBytes:        c.totalSize,
		SizeMB:           toMB(c.totalSize),
		MemoryLimitBytes: c.memoryLimit,
		PeakMemoryBytes:  c.counters.peakBytes,
		PeakMemoryMB:     toMB(c.counters.peakBytes),
		Hits:             c.counters.hits,
		Misses:           c.counters.misses,
		Evictions:        c.counters.evictions,
		TotalRequests:    c.counters.totalRequests,
		Strategy:         c.strategy,
	}

	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}

	return stats
}

func toMB(b int64) float64 {
	return float64(b) / (1024 * 1024)
}
