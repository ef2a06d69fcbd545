// Package cache memoises model replies keyed by model, prompt and parameters.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/wuwenbin0122/jechat/internal/metrics"
	"github.com/wuwenbin0122/jechat/internal/models"
)

const keyPrefix = "gen:v1:"

// Cache stores generated replies.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

type Config struct {
	Driver string
	Size   int
	TTL    time.Duration
	Logger *zap.SugaredLogger
}

// Key derives a stable cache key. Identical prompts with identical
// parameters against the same model share a key.
func Key(model, prompt string, params models.GenerationParams) string {
	payload, _ := json.Marshal(struct {
		Model  string                  `json:"m"`
		Prompt string                  `json:"p"`
		Params models.GenerationParams `json:"g"`
	}{model, prompt, params})
	sum := blake2b.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:])
}

// New builds the configured cache driver. The redis client is only used by
// the redis driver and may be nil otherwise.
func New(cfg Config, client redis.UniversalClient) (Cache, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryCache(cfg.Size)
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("cache: redis driver requires a client")
		}
		return NewRedisCache(client, cfg.Logger), nil
	case "noop":
		return NoopCache{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a size-bounded LRU with per entry expiry.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("cache: new lru: %w", err)
	}
	return &MemoryCache{cache: c, now: time.Now}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, found := c.cache.Get(key)
	if !found {
		metrics.CacheMissesTotal.WithLabelValues("memory").Inc()
		return "", false
	}

	entry := val.(memoryEntry)
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		metrics.CacheMissesTotal.WithLabelValues("memory").Inc()
		return "", false
	}

	metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
	return entry.value, true
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.cache.Add(key, entry)
}

func (c *MemoryCache) Len() int {
	return c.cache.Len()
}

// RedisCache shares replies between server replicas.
type RedisCache struct {
	client redis.UniversalClient
	logger *zap.SugaredLogger
}

func NewRedisCache(client redis.UniversalClient, logger *zap.SugaredLogger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisCache{client: client, logger: logger}
}

// Get reports a miss on any failure; only errors other than a missing key are logged.
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warnw("cache: redis get failed", "key", key, "error", err)
		}
		metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		return "", false
	}
	metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
	return value, true
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warnw("cache: redis set failed", "key", key, "error", err)
	}
}

// NoopCache disables caching.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (string, bool) { return "", false }

func (NoopCache) Set(context.Context, string, string, time.Duration) {}
