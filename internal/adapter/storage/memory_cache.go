package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/flash-sale-engine/internal/port"
)

// MemoryCache mirrors RedisAdapter semantics for dev mode and tests.
type MemoryCache struct {
	mu    sync.Mutex
	stock map[string]int
	keys  map[string]time.Time
	now   func() time.Time
}

var _ port.CacheRepository = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		stock: make(map[string]int),
		keys:  make(map[string]time.Time),
		now:   time.Now,
	}
}

func (c *MemoryCache) DecrementStock(_ context.Context, saleID string, quantity int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.stock[saleID]
	if !ok {
		return false, port.ErrCacheMiss
	}
	if current < quantity {
		return false, nil
	}
	c.stock[saleID] = current - quantity
	return true, nil
}

func (c *MemoryCache) IncrementStock(_ context.Context, saleID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.stock[saleID]; ok {
		c.stock[saleID] = current + quantity
	}
	return nil
}

func (c *MemoryCache) SetStock(_ context.Context, saleID string, remaining int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stock[saleID] = remaining
	return nil
}

func (c *MemoryCache) SetIdempotency(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.keys[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) ReleaseIdempotency(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.keys, key)
	return nil
}

// Stock returns the mirrored remaining count and whether it is set.
func (c *MemoryCache) Stock(saleID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.stock[saleID]
	return n, ok
}
