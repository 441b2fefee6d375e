package search

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/journalkit/journalkit/pkg/config"
	pkgredis "github.com/journalkit/journalkit/pkg/redis"
)

const keyPrefix = "search:"

// QueryCache is a TTL-based Redis cache of blended result lists. The indexer
// invalidates it wholesale after index writes, so stale blends age out well
// before the TTL in practice. Cache failures always degrade to compute.
type QueryCache struct {
	client *pkgredis.Client
	cfg    config.RedisConfig
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// NewQueryCache creates a QueryCache over the given Redis client.
func NewQueryCache(client *pkgredis.Client, cfg config.RedisConfig) *QueryCache {
	return &QueryCache{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "query-cache"),
	}
}

// Get returns the cached results for (query, k, alpha) if present.
func (c *QueryCache) Get(ctx context.Context, query string, k int, alpha float64) ([]Result, bool) {
	key := c.buildKey(query, k, alpha)
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var results []Result
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.logger.Debug("cache hit", "query", query, "key", key)
	return results, true
}

// Set stores results under (query, k, alpha) with the configured TTL.
func (c *QueryCache) Set(ctx context.Context, query string, k int, alpha float64, results []Result) {
	key := c.buildKey(query, k, alpha)
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.cfg.CacheTTL); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns cached results or computes and caches them, collapsing
// concurrent identical queries into a single computation.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	query string,
	k int,
	alpha float64,
	computeFn func() ([]Result, error),
) ([]Result, bool, error) {
	if results, ok := c.Get(ctx, query, k, alpha); ok {
		return results, true, nil
	}
	key := c.buildKey(query, k, alpha)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if results, ok := c.Get(ctx, query, k, alpha); ok {
			return results, nil
		}
		results, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, query, k, alpha, results)
		return results, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]Result), false, nil
}

// Invalidate drops every cached result list.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	pattern := keyPrefix + "*"
	deleted, err := c.client.FlushByPattern(ctx, pattern)
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Debug("cache invalidated", "keys_deleted", deleted)
	return nil
}

// Stats returns cumulative hit/miss counters.
func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) buildKey(query string, k int, alpha float64) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	raw := fmt.Sprintf("%s|k=%d|alpha=%.4f", normalized, k, alpha)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
