package baseline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL cache with stale-while-revalidate for baselines.
// Reads on the hot path go through sync.Map without locking.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	baseline   *Baseline // nil = negative cache (no baseline recorded)
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Baseline     *Baseline
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // expired; the caller should refresh in background
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// Get performs a non-blocking lookup. Expired entries are still returned,
// and exactly one caller per expiry is told to refresh.
func (c *Cache) Get(serverName string) CacheGetResult {
	val, ok := c.store.Load(serverName)
	if !ok {
		return CacheGetResult{}
	}
	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Baseline: entry.baseline, Hit: true}
	}
	return CacheGetResult{
		Baseline:     entry.baseline,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a baseline with a fresh TTL. nil stores a negative entry.
func (c *Cache) Set(serverName string, b *Baseline) {
	c.store.Store(serverName, &cacheEntry{baseline: b, expiresAt: time.Now().Add(c.ttl)})
}

// Delete removes an entry.
func (c *Cache) Delete(serverName string) {
	c.store.Delete(serverName)
}
