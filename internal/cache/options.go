package cache

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/NikhilSetiya/evalcache/pkg/errors"
	"github.com/NikhilSetiya/evalcache/pkg/logging"
)

// Strategy selects which entry is evicted under pressure
type Strategy string

const (
	// StrategyLRU evicts the least recently used entry
	StrategyLRU Strategy = "LRU"
	// StrategyTTL evicts an expired entry, else the oldest insertion
	StrategyTTL Strategy = "TTL"
	// StrategyHybrid evicts an expired entry, else the least recently used
	StrategyHybrid Strategy = "HYBRID"
)

// ParseStrategy accepts the strategy name in any case
func ParseStrategy(s string) (Strategy, error) {
	switch strategy := Strategy(strings.ToUpper(strings.TrimSpace(s))); strategy {
	case StrategyLRU, StrategyTTL, StrategyHybrid:
		return strategy, nil
	default:
		return "", fmt.Errorf("%w: unknown cache strategy %q", apperrors.ErrInvalidConfig, s)
	}
}

func (s Strategy) expires() bool {
	return s == StrategyTTL || s == StrategyHybrid
}

func (s Strategy) tracksRecency() bool {
	return s == StrategyLRU || s == StrategyHybrid
}

// Config holds cache configuration. It is fixed once the cache is built.
type Config struct {
	MaxEntries       int           `json:"max_entries"`
	TTL              time.Duration `json:"ttl"`
	Strategy         Strategy      `json:"strategy"`
	MemoryLimitBytes int64         `json:"memory_limit_bytes"`
	// CleanupInterval of zero disables background maintenance
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

func (c Config) validate() error {
	switch {
	case c.MaxEntries <= 0:
		return fmt.Errorf("%w: cache max entries must be positive", apperrors.ErrInvalidConfig)
	case c.TTL <= 0:
		return fmt.Errorf("%w: cache TTL must be positive", apperrors.ErrInvalidConfig)
	case c.MemoryLimitBytes <= 0:
		return fmt.Errorf("%w: cache memory limit must be positive", apperrors.ErrInvalidConfig)
	case c.CleanupInterval < 0:
		return fmt.Errorf("%w: cache cleanup interval must not be negative", apperrors.ErrInvalidConfig)
	}
	_, err := ParseStrategy(string(c.Strategy))
	return err
}

// EvictionFunc observes evicted entries. It never runs under the cache lock.
type EvictionFunc func(key string, value interface{})

// Option configures optional cache collaborators
type Option func(*Cache)

// WithLogger sets the logger used for maintenance events
func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now, mainly for expiry tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvictionCallback registers fn for every evicted entry
func WithEvictionCallback(fn EvictionFunc) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}
