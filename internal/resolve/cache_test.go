package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/tesfayekb/core-base/internal/grants"
)

func setWith(resource string, action grants.Action) *Set {
	s := NewSet()
	s.Add(EffectivePermission{Resource: resource, Action: action, Source: SourceDirect})
	return s
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, time.Minute)

	if _, ok := c.Get(ctx, "t1", "u1"); ok {
		t.Fatal("empty cache reported a hit")
	}
	c.Put(ctx, "t1", "u1", setWith("documents", grants.ActionRead))
	set, ok := c.Get(ctx, "t1", "u1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if !set.Allows(grants.ActionRead, "documents", "") {
		t.Fatal("wrong set returned")
	}
}

func TestMemoryCacheKeysIncludeTenant(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, time.Minute)
	c.Put(ctx, "t1", "u1", setWith("documents", grants.ActionRead))

	if _, ok := c.Get(ctx, "t2", "u1"); ok {
		t.Fatal("entry leaked across tenants for the same user id")
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, 30*time.Millisecond)
	c.Put(ctx, "t1", "u1", setWith("documents", grants.ActionRead))

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(ctx, "t1", "u1"); ok {
		t.Fatal("expired entry served")
	}
}

func TestMemoryCacheBoundedByMaxEntries(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Minute)
	c.Put(ctx, "t1", "u1", setWith("documents", grants.ActionRead))
	c.Put(ctx, "t1", "u2", setWith("documents", grants.ActionRead))
	c.Put(ctx, "t1", "u3", setWith("documents", grants.ActionRead))

	if c.Len() > 2 {
		t.Fatalf("cache exceeded its bound: %d entries", c.Len())
	}
	// Oldest entry went out; a miss just means recomputation.
	if _, ok := c.Get(ctx, "t1", "u1"); ok {
		t.Fatal("least recently used entry survived past the bound")
	}
}

func TestMemoryCacheEvict(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, time.Minute)
	c.Put(ctx, "t1", "u1", setWith("documents", grants.ActionRead))

	c.Evict(ctx, "t1", "u1")
	if _, ok := c.Get(ctx, "t1", "u1"); ok {
		t.Fatal("entry survived eviction")
	}
	// Evicting an absent key is a no-op.
	c.Evict(ctx, "t1", "u1")
	c.Evict(ctx, "t9", "nobody")
}

func TestMemoryCacheEvictTenantLeavesOthersIntact(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, time.Minute)
	c.Put(ctx, "t1", "u1", setWith("documents", grants.ActionRead))
	c.Put(ctx, "t1", "u2", setWith("documents", grants.ActionRead))
	c.Put(ctx, "t2", "u1", setWith("reports", grants.ActionView))

	c.EvictTenant(ctx, "t1")

	if _, ok := c.Get(ctx, "t1", "u1"); ok {
		t.Fatal("t1/u1 survived tenant eviction")
	}
	if _, ok := c.Get(ctx, "t1", "u2"); ok {
		t.Fatal("t1/u2 survived tenant eviction")
	}
	if _, ok := c.Get(ctx, "t2", "u1"); !ok {
		t.Fatal("tenant eviction crossed tenant boundary")
	}
}

func TestCacheKeySplitRoundTrip(t *testing.T) {
	tenantID, userID := splitCacheKey(cacheKey("t1", "u1"))
	if tenantID != "t1" || userID != "u1" {
		t.Fatalf("got (%q, %q)", tenantID, userID)
	}
}
