package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/llmhive/llmhive/core"
)

// ModelCache stores backend model-discovery responses. Only the idempotent
// ListModels read is ever cached; chat completions never are.
type ModelCache interface {
	Get(ctx context.Context, backend string) ([]core.ModelInfo, bool)
	Set(ctx context.Context, backend string, models []core.ModelInfo)
}

// MemoryModelCache is the in-process ModelCache. Entries expire after the
// configured TTL and are evicted lazily on read.
type MemoryModelCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryCacheEntry

	clock func() time.Time
}

type memoryCacheEntry struct {
	models    []core.ModelInfo
	expiresAt time.Time
}

// NewMemoryModelCache creates a cache with the given TTL. A non-positive
// TTL falls back to one hour.
func NewMemoryModelCache(ttl time.Duration) *MemoryModelCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryModelCache{
		ttl:     ttl,
		entries: make(map[string]memoryCacheEntry),
		clock:   time.Now,
	}
}

// Get implements ModelCache.
func (c *MemoryModelCache) Get(ctx context.Context, backend string) ([]core.ModelInfo, bool) {
	c.mu.RLock()
	entry, ok := c.entries[backend]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, backend)
		c.mu.Unlock()
		return nil, false
	}
	out := make([]core.ModelInfo, len(entry.models))
	copy(out, entry.models)
	return out, true
}

// Set implements ModelCache.
func (c *MemoryModelCache) Set(ctx context.Context, backend string, models []core.ModelInfo) {
	stored := make([]core.ModelInfo, len(models))
	copy(stored, models)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[backend] = memoryCacheEntry{
		models:    stored,
		expiresAt: c.clock().Add(c.ttl),
	}
}

// RedisModelCache shares discovery responses across engine instances.
// Redis failures degrade to cache misses; the router then refetches.
type RedisModelCache struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewRedisModelCache connects to Redis at the given URL
// (e.g. "redis://localhost:6379/0").
func NewRedisModelCache(redisURL string, ttl time.Duration, logger core.Logger) (*RedisModelCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", core.ErrInvalidConfiguration, err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisModelCache{
		client: redis.NewClient(opts),
		ttl:    ttl,
		logger: logger,
	}, nil
}

func redisModelKey(backend string) string {
	return "llmhive:models:" + backend
}

// Get implements ModelCache.
func (c *RedisModelCache) Get(ctx context.Context, backend string) ([]core.ModelInfo, bool) {
	data, err := c.client.Get(ctx, redisModelKey(backend)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("Model cache read failed", map[string]interface{}{
			"operation": "model_cache_get",
			"backend":   backend,
			"error":     err.Error(),
		})
		return nil, false
	}
	var models []core.ModelInfo
	if err := json.Unmarshal(data, &models); err != nil {
		c.logger.Warn("Model cache entry corrupt, discarding", map[string]interface{}{
			"operation": "model_cache_get",
			"backend":   backend,
			"error":     err.Error(),
		})
		return nil, false
	}
	return models, true
}

// Set implements ModelCache.
func (c *RedisModelCache) Set(ctx context.Context, backend string, models []core.ModelInfo) {
	data, err := json.Marshal(models)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisModelKey(backend), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Model cache write failed", map[string]interface{}{
			"operation": "model_cache_set",
			"backend":   backend,
			"error":     err.Error(),
		})
	}
}

// Close releases the Redis connection.
func (c *RedisModelCache) Close() error {
	return c.client.Close()
}
