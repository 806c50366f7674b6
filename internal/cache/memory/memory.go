// Package memory provides an in-memory cache implementation with TTL support,
// the backing store for the DNS TXT resolver's per-domain resolution cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cordx56/xrypton-go/internal/cache"
)

func init() {
	cache.RegisterDriver("memory", func(config map[string]any) cache.Cache {
		defaultTTL := cache.TTLDNSResolution
		cleanupInterval := 5 * time.Minute

		if config != nil {
			if v, ok := config["default_ttl_seconds"]; ok {
				if secs, ok := toInt(v); ok && secs > 0 {
					defaultTTL = time.Duration(secs) * time.Second
				}
			}
			if v, ok := config["cleanup_interval_seconds"]; ok {
				if secs, ok := toInt(v); ok && secs > 0 {
					cleanupInterval = time.Duration(secs) * time.Second
				}
			}
		}

		return New(defaultTTL, cleanupInterval)
	})
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

type item struct {
	value     []byte
	expiresAt time.Time
}

func (i *item) isExpired() bool {
	return time.Now().After(i.expiresAt)
}

// Cache is an in-memory cache with TTL support, swept by a background
// goroutine on a fixed tick (mirrors the nonce sweeper's own cadence idiom).
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*item
	defaultTTL time.Duration
	stopClean  chan struct{}
}

// New creates a new in-memory cache. cleanupInterval of 0 disables the
// background sweep goroutine.
func New(defaultTTL time.Duration, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		items:      make(map[string]*item),
		defaultTTL: defaultTTL,
		stopClean:  make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}

	return c
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stopClean:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	if it.isExpired() {
		return nil, cache.ErrExpired
	}

	result := make([]byte, len(it.value))
	copy(result, it.value)
	return result, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &item{
		value:     valueCopy,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok {
		return false, nil
	}
	return !it.isExpired(), nil
}

func (c *Cache) Close() error {
	close(c.stopClean)
	return nil
}

var _ cache.Cache = (*Cache)(nil)
