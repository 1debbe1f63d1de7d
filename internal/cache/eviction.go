package cache

import (
	"container/list"
	"sort"
	"time"
)

// pressureTarget is the share of the memory limit maintenance evicts down to
const pressureTarget = 0.8

// evictOne removes a single entry chosen by the strategy. Callers hold the
// write lock and guarantee the cache is not empty.
func (c *Cache) evictOne(now time.Time) *entry {
	victim := c.lru.Back()

	if c.strategy.expires() {
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			if elem.Value.(*entry).expired(now, c.ttl) {
				victim = elem
				break
			}
		}
	}

	e := victim.Value.(*entry)
	c.removeElement(victim)
	c.counters.evictions++
	return e
}

func (c *Cache) removeElement(elem *list.Element) {
	e := c.lru.Remove(elem).(*entry)
	delete(c.items, e.key)
	c.totalSize -= e.sizeBytes
}

// removeExpired drops every expired entry and returns them
func (c *Cache) removeExpired(now time.Time) []*entry {
	if !c.strategy.expires() {
		return nil
	}

	var removed []*entry
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if e := elem.Value.(*entry); e.expired(now, c.ttl) {
			c.removeElement(elem)
			c.counters.evictions++
			removed = append(removed, e)
		}
		elem = prev
	}
	return removed
}

// relievePressure evicts the least accessed-per-hour entries until usage is at
// or below pressureTarget of the limit. It does nothing while under the limit.
func (c *Cache) relievePressure(now time.Time) []*entry {
	if c.totalSize <= c.memoryLimit {
		return nil
	}

	candidates := make([]*list.Element, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		candidates = append(candidates, elem)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Value.(*entry).density(now) < candidates[j].Value.(*entry).density(now)
	})

	target := int64(float64(c.memoryLimit) * pressureTarget)
	var removed []*entry
	for _, elem := range candidates {
		if c.totalSize <= target {
			break
		}
		e := elem.Value.(*entry)
		c.removeElement(elem)
		c.counters.evictions++
		removed = append(removed, e)
	}
	return removed
}
