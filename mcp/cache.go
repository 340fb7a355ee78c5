package mcp

import (
	"context"
	"encoding/json"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// maxCacheEntries triggers opportunistic pruning of expired entries in
// the in-memory cache.
const maxCacheEntries = 100

// CacheKey derives the cache key for a call: tool name plus the
// canonical JSON of its arguments (encoding/json sorts map keys), with
// the arguments collapsed to a hash to keep keys short.
func CacheKey(toolName string, args map[string]any) string {
	js, _ := json.Marshal(args)
	return toolName + ":" + strconv.FormatUint(xxhash.Sum64(js), 16)
}

// ResultCache memoizes formatted tool results for a bounded time.
type ResultCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Clear(ctx context.Context)
}

type cachedResult struct {
	result    string
	expiresAt time.Time
}

type memoryCache struct {
	mu    sync.RWMutex
	items map[string]cachedResult
}

// NewMemoryCache creates the default in-process result cache.
func NewMemoryCache() ResultCache {
	return &memoryCache{items: make(map[string]cachedResult)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.result, true
}

func (c *memoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cachedResult{result: value, expiresAt: time.Now().Add(ttl)}
	if len(c.items) > maxCacheEntries {
		now := time.Now()
		for k, v := range c.items {
			if now.After(v.expiresAt) {
				delete(c.items, k)
			}
		}
	}
}

func (c *memoryCache) Clear(_ context.Context) {
	c.mu.Lock()
	c.items = make(map[string]cachedResult)
	c.mu.Unlock()
}

// redisCache shares tool results across runtime instances. Keys are
// namespaced as /<prefix>/toolcache/<key>.
type redisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed result cache.
func NewRedisCache(client *redis.Client, prefix string) ResultCache {
	return &redisCache{client: client, prefix: prefix}
}

func (c *redisCache) redisKey(key string) string {
	return path.Join(c.prefix, "toolcache", key)
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.redisKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "cache_get_failed", "err", err.Error())
		}
		return "", false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.Set(ctx, c.redisKey(key), value, ttl).Err(); err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "cache_set_failed", "err", err.Error())
	}
}

func (c *redisCache) Clear(ctx context.Context) {
	pattern := path.Join(c.prefix, "toolcache", "*")
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "cache_del_failed", "err", err.Error())
		}
	}
	if err := iter.Err(); err != nil {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "cache_scan_failed", "err", err.Error())
	}
}
