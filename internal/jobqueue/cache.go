package jobqueue

import (
	"sync"
	"time"

	"github.com/JakeFAU/timetable-refresher/internal/source"
)

type cacheEntry struct {
	result   source.Result
	storedAt time.Time
}

// resultCache holds the last successful result per job. An entry stored at T
// is fresh while now < T+ttl.
type resultCache struct {
	ttl   time.Duration
	clock source.Clock

	mu      sync.Mutex
	entries map[source.JobID]cacheEntry
}

func newResultCache(ttl time.Duration, clock source.Clock) *resultCache {
	return &resultCache{ttl: ttl, clock: clock, entries: make(map[source.JobID]cacheEntry)}
}

func (c *resultCache) get(id source.JobID) (source.Result, bool) {
	if c.ttl <= 0 {
		return source.Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return source.Result{}, false
	}
	if !c.fresh(entry) {
		delete(c.entries, id)
		return source.Result{}, false
	}
	return entry.result.Clone(), true
}

func (c *resultCache) put(res source.Result) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[res.JobID] = cacheEntry{result: res.Clone(), storedAt: c.clock.Now()}
}

func (c *resultCache) storedAt(id source.JobID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || !c.fresh(entry) {
		return time.Time{}, false
	}
	return entry.storedAt, true
}

func (c *resultCache) invalidate(id source.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entry := range c.entries {
		if c.fresh(entry) {
			n++
		}
	}
	return n
}

func (c *resultCache) fresh(entry cacheEntry) bool {
	return c.clock.Now().Sub(entry.storedAt) < c.ttl
}
