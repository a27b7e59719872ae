package resolve

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache memoizes resolver output. Keys are always the (tenant, user) tuple;
// no key is ever built from the user id alone. Eviction of an absent key is
// a no-op. Get and Put degrade to a miss on backend failure, but Evict and
// EvictTenant must report failure: a revocation is only acknowledged once
// the stale entry is actually gone.
type Cache interface {
	Get(ctx context.Context, tenantID, userID string) (*Set, bool)
	Put(ctx context.Context, tenantID, userID string, set *Set)
	Evict(ctx context.Context, tenantID, userID string) error
	EvictTenant(ctx context.Context, tenantID string) error
}

const keySep = "\x1f"

func cacheKey(tenantID, userID string) string {
	return tenantID + keySep + userID
}

func splitCacheKey(key string) (tenantID, userID string) {
	tenantID, userID, _ = strings.Cut(key, keySep)
	return tenantID, userID
}

// MemoryCache is an in-process LRU cache with per-entry TTL. A missing entry
// always triggers safe recomputation, so eviction under pressure is a
// performance concern, never a security one.
type MemoryCache struct {
	lru *lru.LRU[string, *Set]

	mu       sync.Mutex
	byTenant map[string]map[string]struct{}
}

// NewMemoryCache builds a cache bounded at maxEntries with the given TTL.
// Expired entries are treated as a miss and reaped by the LRU internally.
func NewMemoryCache(maxEntries int, ttl time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c := &MemoryCache{byTenant: make(map[string]map[string]struct{})}
	c.lru = lru.NewLRU(maxEntries, c.onEvict, ttl)
	return c
}

func (c *MemoryCache) onEvict(key string, _ *Set) {
	tenantID, userID := splitCacheKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if users, ok := c.byTenant[tenantID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(c.byTenant, tenantID)
		}
	}
}

// Get returns the cached set for (tenant, user), if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, tenantID, userID string) (*Set, bool) {
	return c.lru.Get(cacheKey(tenantID, userID))
}

// Put stores the set. Concurrent writers for the same key race as last
// writer wins; both computed from the same truth and staleness stays
// bounded by TTL and explicit invalidation.
func (c *MemoryCache) Put(_ context.Context, tenantID, userID string, set *Set) {
	c.lru.Add(cacheKey(tenantID, userID), set)
	c.mu.Lock()
	users, ok := c.byTenant[tenantID]
	if !ok {
		users = make(map[string]struct{})
		c.byTenant[tenantID] = users
	}
	users[userID] = struct{}{}
	c.mu.Unlock()
}

// Evict removes the entry for (tenant, user). In-process removal cannot
// fail.
func (c *MemoryCache) Evict(_ context.Context, tenantID, userID string) error {
	c.lru.Remove(cacheKey(tenantID, userID))
	return nil
}

// EvictTenant removes every entry belonging to the tenant.
func (c *MemoryCache) EvictTenant(_ context.Context, tenantID string) error {
	c.mu.Lock()
	users := make([]string, 0, len(c.byTenant[tenantID]))
	for userID := range c.byTenant[tenantID] {
		users = append(users, userID)
	}
	c.mu.Unlock()

	// Remove outside the index lock: the LRU eviction callback takes it.
	for _, userID := range users {
		c.lru.Remove(cacheKey(tenantID, userID))
	}
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
