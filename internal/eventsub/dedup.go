package eventsub

import (
	"sync"
	"time"
)

const dedupTTL = 5 * time.Minute

// dedupCache remembers recently seen notification message ids. The
// transport redelivers on at-least-once semantics; routing the same id
// twice inside the TTL must produce exactly one side effect.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

// Seen records id and reports whether it was already present inside the
// TTL window. Expired entries are pruned opportunistically.
func (c *dedupCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[id]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.entries[id] = now

	if len(c.entries) > 4096 {
		for k, at := range c.entries {
			if now.Sub(at) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	return false
}

func (c *dedupCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]time.Time)
	c.mu.Unlock()
}
