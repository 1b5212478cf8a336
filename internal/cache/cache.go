// Package cache provides the Redis-backed KV Cache (§2): a TTL cache for
// tool results keyed by tool id and canonicalized input, so that a repeated
// question within the cacheable window skips a second tool dispatch.
//
// A cache miss — including a Redis outage — degrades to latency only: every
// method treats an error from the underlying client as "not cached" and
// logs a warning rather than propagating a failure to the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hula0401/marketvoice/internal/config"
)

// Cache wraps a Redis client for the Tool Registry's per-tool result cache.
type Cache struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// New builds a Cache connected to cfg.Addr. It pings the server once so
// misconfiguration is caught at startup rather than on first use.
func New(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{client: client, log: log}, nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// key namespaces every entry under the tool result cache so other future KV
// uses of the same Redis instance don't collide.
func key(toolID, inputKey string) string {
	return fmt.Sprintf("tool:%s:%s", toolID, inputKey)
}

// GetToolResult returns the cached JSON-decoded value for (toolID,
// inputKey) into dest, reporting whether it was found. A Redis error or a
// decode failure is treated as a miss.
func (c *Cache) GetToolResult(ctx context.Context, toolID, inputKey string, dest any) bool {
	if c == nil || c.client == nil {
		return false
	}
	k := key(toolID, inputKey)
	val, err := c.client.Get(ctx, k).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get failed, treating as miss", "key", k, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(val, dest); err != nil {
		c.log.Warn("cache decode failed, treating as miss", "key", k, "error", err)
		return false
	}
	return true
}

// SetToolResult stores value under (toolID, inputKey) for ttl. Only tool
// results with a positive CacheableSeconds should ever reach this call —
// partial or failed results are never cached (§9 design note (d)).
func (c *Cache) SetToolResult(ctx context.Context, toolID, inputKey string, value any, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}
	k := key(toolID, inputKey)
	if err := c.client.Set(ctx, k, data, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "key", k, "error", err)
		return nil
	}
	return nil
}

// InvalidateTool removes every cached entry for toolID. The Tool Registry
// and the builtin tools never call it, so a watchlist mutation does not
// evict cached results of other tools.
func (c *Cache) InvalidateTool(ctx context.Context, toolID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := fmt.Sprintf("tool:%s:*", toolID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.log.Warn("cache invalidate failed", "key", iter.Val(), "error", err)
		}
	}
	return iter.Err()
}
