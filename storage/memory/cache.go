// Package memorystore holds the in-memory entitlement cache, used in tests
// and by embedders that do not want cross-restart persistence.
package memorystore

import (
	"context"
	"sync"

	"github.com/open-rails/subkit/entitlement"
)

// Cache is an in-memory implementation of entitlement.CacheStore.
type Cache struct {
	mu  sync.Mutex
	v   entitlement.CachedEntitlement
	set bool
}

// NewCache creates an empty in-memory cache.
func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) Load(ctx context.Context) (entitlement.CachedEntitlement, bool, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return entitlement.CachedEntitlement{}, false, nil
	}
	return c.v, true, nil
}

func (c *Cache) Save(ctx context.Context, v entitlement.CachedEntitlement) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = v
	c.set = true
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v = entitlement.CachedEntitlement{}
	c.set = false
	return nil
}
