package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// Cache is a bounded in-memory store with LRU, TTL or HYBRID eviction and a
// soft memory ceiling. It is safe for concurrent use.
type Cache struct {
	maxEntries  int
	ttl         time.Duration
	strategy    Strategy
	memoryLimit int64
	interval    time.Duration

	mu        sync.RWMutex
	items     map[string]*list.Element
	lru       *list.List // front is most recent
	totalSize int64
	counters  counters

	now     func() time.Time
	onEvict EvictionFunc
	logger  *logging.Logger

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a cache from a validated configuration
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHybrid
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	strategy, _ := ParseStrategy(string(cfg.Strategy))

	c := &Cache{
		maxEntries:  cfg.MaxEntries,
		ttl:         cfg.TTL,
		strategy:    strategy,
		memoryLimit: cfg.MemoryLimitBytes,
		interval:    cfg.CleanupInterval,
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		now:         time.Now,
		logger:      logging.GetLogger(),
		stopCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Get returns the value stored under key. Expired entries are removed on
// the way and reported as a miss.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()

	c.counters.totalRequests++

	elem, ok := c.items[key]
	if !ok {
		c.counters.misses++
		c.mu.Unlock()
		return nil, false
	}

	e := elem.Value.(*entry)
	now := c.now()

	if c.strategy.expires() && e.expired(now, c.ttl) {
		c.removeElement(elem)
		c.counters.misses++
		c.counters.evictions++
		c.mu.Unlock()
		c.notifyEvicted([]*entry{e})
		return nil, false
	}

	e.accessCount++
	e.lastAccessedAt = now
	if c.strategy.tracksRecency() {
		c.lru.MoveToFront(elem)
	}
	c.counters.hits++
	value := e.value
	c.mu.Unlock()

	return value, true
}

// Put stores value under key, evicting entries first so that both the entry
// bound and the memory limit hold once Put returns. A value larger than the
// whole memory limit is rejected with ErrEntryTooLarge.
func (c *Cache) Put(key string, value interface{}) error {
	size := estimateSize(value)
	if size < 0 {
		size = 0
	}

	c.mu.Lock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}

	if size > c.memoryLimit {
		c.mu.Unlock()
		return fmt.Errorf("%w: key %q needs %d bytes, limit is %d", apperrors.ErrEntryTooLarge, key, size, c.memoryLimit)
	}

	now := c.now()
	var evicted []*entry
	for c.lru.Len() > 0 && (c.lru.Len() >= c.maxEntries || c.totalSize+size > c.memoryLimit) {
		evicted = append(evicted, c.evictOne(now))
	}

	e := &entry{
		key:            key,
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
		sizeBytes:      size,
	}
	c.items[key] = c.lru.PushFront(e)
	c.totalSize += size
	if c.totalSize > c.counters.peakBytes {
		c.counters.peakBytes = c.totalSize
	}

	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return nil
}

// Delete removes key and reports whether it was present
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Len returns the number of stored entries, expired ones included
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lru.Len()
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lru.Init()
	c.totalSize = 0
}

// Strategy returns the configured eviction strategy
func (c *Cache) Strategy() Strategy {
	return c.strategy
}

func (c *Cache) notifyEvicted(evicted []*entry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value)
	}
}
