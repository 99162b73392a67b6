package store

import (
	"context"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "loc:"

// Records past the 168h freshness window are unusable, so 14 days bounds
// what memcached keeps. Must stay under memcached's 30-day relative limit.
const recordExpirationSec = 14 * 24 * 60 * 60

// MemcachedKV implements KV on memcached, for deployments where the current
// location must survive process restarts.
type MemcachedKV struct {
	client *memcache.Client
}

// NewMemcachedKV creates a MemcachedKV. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
func NewMemcachedKV(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedKV, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedKV{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedKV) key(k string) string {
	return keyPrefix + k
}

// Get implements KV.Get. Returns false, nil on miss; false, err on error.
func (c *MemcachedKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements KV.Set.
func (c *MemcachedKV) Set(ctx context.Context, key string, value []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      value,
		Expiration: recordExpirationSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedKV) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedKV) Close() error {
	return c.client.Close()
}
