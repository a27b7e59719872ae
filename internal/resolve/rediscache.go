package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "perm:"

// RedisCache shares resolved sets across processes. Redis expires entries
// natively, so TTL handling needs no sweep. Read and write failures degrade
// to a miss and the resolver recomputes from the grant store; eviction
// failures are returned so the triggering revocation is not acknowledged
// over a stale entry.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache constructs a Redis backed cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func redisKey(tenantID, userID string) string {
	return redisKeyPrefix + tenantID + ":" + userID
}

// Get returns the cached set for (tenant, user).
func (c *RedisCache) Get(ctx context.Context, tenantID, userID string) (*Set, bool) {
	payload, err := c.client.Get(ctx, redisKey(tenantID, userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) && c.logger != nil {
			c.logger.Warn("resolution cache get", slog.Any("error", err))
		}
		return nil, false
	}
	set := NewSet()
	if err := json.Unmarshal(payload, set); err != nil {
		if c.logger != nil {
			c.logger.Warn("resolution cache decode", slog.Any("error", err))
		}
		return nil, false
	}
	return set, true
}

// Put stores the set with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, tenantID, userID string, set *Set) {
	raw, err := json.Marshal(set)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("resolution cache encode", slog.Any("error", err))
		}
		return
	}
	if err := c.client.Set(ctx, redisKey(tenantID, userID), raw, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("resolution cache put", slog.Any("error", err))
	}
}

// Evict removes the entry for (tenant, user). A failed DEL leaves the
// stale set live until TTL, so the error propagates to the mutation that
// asked for it.
func (c *RedisCache) Evict(ctx context.Context, tenantID, userID string) error {
	if err := c.client.Del(ctx, redisKey(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("resolve: evict %s: %w", redisKey(tenantID, userID), err)
	}
	return nil
}

// EvictTenant removes every entry belonging to the tenant. A SCAN that dies
// partway may have missed live keys, so it fails the whole eviction.
func (c *RedisCache) EvictTenant(ctx context.Context, tenantID string) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+tenantID+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("resolve: scan tenant %s: %w", tenantID, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("resolve: evict tenant %s: %w", tenantID, err)
	}
	return nil
}
