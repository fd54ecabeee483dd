package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// CallerCache is a TTL cache with stale-while-revalidate keyed by API key.
type CallerCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	caller     *Caller
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Caller       *Caller
	Hit          bool
	NeedsRefresh bool
}

// NewCallerCache creates a cache with the given TTL.
func NewCallerCache(ttl time.Duration) *CallerCache {
	return &CallerCache{ttl: ttl}
}

// Get performs a non-blocking lookup. An expired entry is still returned;
// exactly one caller is told to refresh it.
func (c *CallerCache) Get(apiKey string) CacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return CacheGetResult{}
	}

	entry := val.(*cacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Caller: entry.caller, Hit: true}
	}
	return CacheGetResult{
		Caller:       entry.caller,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a caller with a fresh TTL.
func (c *CallerCache) Set(apiKey string, caller *Caller) {
	c.store.Store(apiKey, &cacheEntry{
		caller:    caller,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry.
func (c *CallerCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
