// Package cache holds disposable, TTL-bounded reconciliation state:
// failure counters, dedup markers, healing counters and dashboard
// snapshots. Everything here may be lost and rebuilt.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMiss is returned by Get for absent or expired keys
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL key-value store with atomic counters
type Cache interface {
	// Incr atomically increments key and refreshes its TTL, returning the
	// new value. A missing key starts at zero.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Del(ctx context.Context, key string) error
}

// Counter is a named family of per-id counters sharing one TTL, e.g.
// router_fail_count_<id>
type Counter struct {
	cache  Cache
	prefix string
	ttl    time.Duration
}

// NewCounter returns a counter family. Keys are prefix + id.
func NewCounter(c Cache, prefix string, ttl time.Duration) *Counter {
	return &Counter{cache: c, prefix: prefix, ttl: ttl}
}

// Key returns the cache key for id
func (c *Counter) Key(id int64) string {
	return fmt.Sprintf("%s%d", c.prefix, id)
}

// Incr increments the counter for id and returns the new value
func (c *Counter) Incr(ctx context.Context, id int64) (int64, error) {
	return c.cache.Incr(ctx, c.Key(id), c.ttl)
}

// Value returns the current count, zero when absent
func (c *Counter) Value(ctx context.Context, id int64) (int64, error) {
	raw, err := c.cache.Get(ctx, c.Key(id))
	if errors.Is(err, ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscan(string(raw), &n); err != nil {
		return 0, fmt.Errorf("cache: counter %s holds %q", c.Key(id), raw)
	}
	return n, nil
}

// Set overwrites the counter for id. Zero or less removes it.
func (c *Counter) Set(ctx context.Context, id int64, n int64) error {
	if n <= 0 {
		return c.Reset(ctx, id)
	}
	return c.cache.Set(ctx, c.Key(id), []byte(strconv.FormatInt(n, 10)), c.ttl)
}

// Reset removes the counter for id
func (c *Counter) Reset(ctx context.Context, id int64) error {
	return c.cache.Del(ctx, c.Key(id))
}

// SetJSON stores v encoded as JSON
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// GetJSON decodes the JSON value at key into v
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
