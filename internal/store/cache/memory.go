package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type item struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a process-local CacheService for single-instance deployments.
type MemoryCache struct {
	items map[string]item
	mu    sync.RWMutex
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]item),
		now:   time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.RLock()
	it, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		return ErrCacheMiss
	}

	if !it.expiresAt.IsZero() && c.now().After(it.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return ErrCacheMiss
	}

	return json.Unmarshal(it.value, dest)
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	it := item{value: data}
	if ttl > 0 {
		it.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}
