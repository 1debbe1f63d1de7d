package cache

import (
	"encoding/json"
	"time"
)

// defaultEntrySize is charged for values that cannot be measured
const defaultEntrySize int64 = 1024

// Sizer lets a value report its own footprint
type Sizer interface {
	SizeBytes() int64
}

type entry struct {
	key            string
	value          interface{}
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int64
	sizeBytes      int64
}

func (e *entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.createdAt) > ttl
}

// density is accesses per hour of life. Entries younger than a second count as one second old.
func (e *entry) density(now time.Time) float64 {
	age := now.Sub(e.createdAt)
	if age < time.Second {
		age = time.Second
	}
	return float64(e.accessCount) / age.Hours()
}

// estimateSize is a consistent heuristic: identical values always cost the
// same and larger encodings never cost less.
func estimateSize(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case Sizer:
		return v.SizeBytes()
	}

	data, err := json.Marshal(value)
	if err != nil {
		return defaultEntrySize
	}
	return int64(len(data))
}
