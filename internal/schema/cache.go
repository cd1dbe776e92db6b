package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const tablesCacheKey = "tables"

// Cache stores the last table listing.
type Cache interface {
	Get(ctx context.Context) ([]Table, bool, error)
	Set(ctx context.Context, tables []Table) error
	Invalidate(ctx context.Context) error
}

// MemoryCache keeps the listing in process memory with a TTL.
type MemoryCache struct {
	cache *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryCache{cache: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(context.Context) ([]Table, bool, error) {
	value, ok := m.cache.Get(tablesCacheKey)
	if !ok {
		return nil, false, nil
	}
	tables, ok := value.([]Table)
	return tables, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, tables []Table) error {
	m.cache.SetDefault(tablesCacheKey, tables)
	return nil
}

func (m *MemoryCache) Invalidate(context.Context) error {
	m.cache.Delete(tablesCacheKey)
	return nil
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisCache shares the listing between replicas as a JSON value.
type RedisCache struct {
	client redisClient
	key    string
	ttl    time.Duration
}

func NewRedisCache(client redisClient, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = "sqlrag:schema"
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context) ([]Table, bool, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var tables []Table
	if err := json.Unmarshal(raw, &tables); err != nil {
		return nil, false, fmt.Errorf("decode cached schema: %w", err)
	}
	return tables, true, nil
}

func (r *RedisCache) Set(ctx context.Context, tables []Table) error {
	raw, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	if err := r.client.Set(ctx, r.key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisCache) Invalidate(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key, err)
	}
	return nil
}

// CachedProvider serves listings from a Cache and falls back to the wrapped
// provider on a miss. Cache failures are logged and bypassed.
type CachedProvider struct {
	provider Provider
	cache    Cache
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewCachedProvider(provider Provider, cache Cache, logger *slog.Logger) *CachedProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{provider: provider, cache: cache, logger: logger}
}

func (c *CachedProvider) ListTables(ctx context.Context) ([]Table, error) {
	if tables, ok, err := c.cache.Get(ctx); err != nil {
		c.logger.Warn("schema cache read failed", slog.Any("error", err))
	} else if ok {
		return tables, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tables, ok, err := c.cache.Get(ctx); err == nil && ok {
		return tables, nil
	}
	tables, err := c.provider.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, tables); err != nil {
		c.logger.Warn("schema cache write failed", slog.Any("error", err))
	}
	return tables, nil
}

// Invalidate drops the cached listing so the next call reads the database.
func (c *CachedProvider) Invalidate(ctx context.Context) error {
	return c.cache.Invalidate(ctx)
}
