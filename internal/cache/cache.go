// Package cache is the shared TTL key/value store used by the signal engines.
//
// Keys follow "<signal-kind>:<subject>", e.g. "network:203.0.113.7" or
// "threat:ip:203.0.113.7". A Get after expiry is a miss. Implementations must
// be safe for concurrent use; the redis-backed one lives in internal/repository.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

type Cache interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Key joins parts with ":".
func Key(kind string, parts ...string) string {
	return kind + ":" + strings.Join(parts, ":")
}

// GetJSON decodes a cached JSON value into T. A decode failure is treated as a miss.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var out T
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, nil
	}
	return out, true, nil
}

func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}

// RecordLookup counts a hit or miss for the given signal kind.
func RecordLookup(kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	metrics.CacheLookups.WithLabelValues(kind, result).Inc()
}

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is an in-process Cache with lazy expiry and a periodic sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expires.Equal(entry.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set stores value; ttl <= 0 means no expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := cacheEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps every interval until ctx is done.
func (c *MemoryCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
