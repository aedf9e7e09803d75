package causal

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long an analysis is reused.
const DefaultCacheTTL = time.Hour

type cacheEntry struct {
	analysis Analysis
	expires  time.Time
}

// ttlCache holds analyses keyed by the current-event composite. Expired
// entries are purged on access and by ClearExpired.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ttlCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// cacheKey derives a stable key from the analysis inputs.
func cacheKey(ev CurrentEvent) string {
	h := sha256.Sum256([]byte(ev.Description + "|" + string(ev.Category) + "|" + string(ev.Scope)))
	return hex.EncodeToString(h[:])
}

func (c *ttlCache) get(key string) (Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Analysis{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return Analysis{}, false
	}
	return e.analysis, true
}

func (c *ttlCache) put(key string, a Analysis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{analysis: a, expires: c.now().Add(c.ttl)}
}

// clearExpired drops every expired entry and reports how many went.
func (c *ttlCache) clearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
