// Package valkey provides a Valkey/Redis-backed cache.Cache driver, an
// alternative to the in-memory driver for multi-instance deployments where
// the DNS resolution cache must be shared across processes.
// Fail-fast: startup fails if the server is unreachable when this driver is
// selected.
package valkey

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/cordx56/xrypton-go/internal/cache"
)

func init() {
	cache.RegisterDriver("valkey", func(config map[string]any) cache.Cache {
		cfg := DefaultConfig()
		if config != nil {
			if v, ok := config["addr"].(string); ok && v != "" {
				cfg.Addr = v
			}
			if v, ok := config["password"].(string); ok {
				cfg.Password = v
			}
			if v, ok := config["db"]; ok {
				if db, ok := toInt(v); ok {
					cfg.DB = db
				}
			}
			if v, ok := config["default_ttl_seconds"]; ok {
				if secs, ok := toInt(v); ok && secs > 0 {
					cfg.DefaultTTL = time.Duration(secs) * time.Second
				}
			}
		}

		c, err := New(cfg)
		if err != nil {
			panic(fmt.Sprintf("valkey cache driver failed to initialize: %v", err))
		}
		return c
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

// Config holds Valkey connection configuration.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	DefaultTTL  time.Duration
}

// DefaultConfig returns sensible defaults for a local Valkey instance.
func DefaultConfig() *Config {
	return &Config{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
		DefaultTTL:  cache.TTLDNSResolution,
	}
}

// Cache implements cache.Cache using Valkey.
type Cache struct {
	client     valkey.Client
	defaultTTL time.Duration
}

// New creates a new Valkey cache, verifying connectivity with a PING.
func New(cfg *Config) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Addr},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		Dialer: net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	c := &Cache{client: client, defaultTTL: cfg.DefaultTTL}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	resp := client.Do(ctx, client.B().Ping().Build())
	if err := resp.Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey health check failed: %w", err)
	}

	return c, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return resp.AsBytes()
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	resp := c.client.Do(ctx, c.client.B().Set().Key(key).Value(string(value)).Px(ttl).Build())
	return resp.Error()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	resp := c.client.Do(ctx, c.client.B().Del().Key(key).Build())
	return resp.Error()
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	resp := c.client.Do(ctx, c.client.B().Exists().Key(key).Build())
	if err := resp.Error(); err != nil {
		return false, err
	}
	count, err := resp.AsInt64()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.Cache = (*Cache)(nil)
