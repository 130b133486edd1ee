// Package redisstore persists the entitlement cache in Redis, for server-side
// embedders that keep per-user session state out of process.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/open-rails/subkit/entitlement"
)

// Cache is a Redis-backed entitlement.CacheStore.
type Cache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewCache creates a cache under the given key. An empty key defaults to
// "subkit:entitlement"; ttl <= 0 means the entry does not expire on its own.
func NewCache(rdb *redis.Client, key string, ttl time.Duration) *Cache {
	if key == "" {
		key = "subkit:entitlement"
	}
	return &Cache{rdb: rdb, key: key, ttl: ttl}
}

func (c *Cache) Load(ctx context.Context) (entitlement.CachedEntitlement, bool, error) {
	val, err := c.rdb.Get(ctx, c.key).Bytes()
	if err == redis.Nil {
		return entitlement.CachedEntitlement{}, false, nil
	}
	if err != nil {
		return entitlement.CachedEntitlement{}, false, err
	}
	var v entitlement.CachedEntitlement
	if err := json.Unmarshal(val, &v); err != nil {
		// Corrupt entries read as a miss, not a grant.
		return entitlement.CachedEntitlement{}, false, nil
	}
	return v, true, nil
}

func (c *Cache) Save(ctx context.Context, v entitlement.CachedEntitlement) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key, b, c.ttl).Err()
}

func (c *Cache) Clear(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key).Err()
}
