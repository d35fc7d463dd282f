package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// ErrCacheMiss marks a lookup for a query that has no cached passages.
var ErrCacheMiss = errors.New("passage cache miss")

// PassageCache stores ranked passages by key. Implementations must be safe
// for concurrent use.
type PassageCache interface {
	Get(ctx context.Context, key string) ([]types.Passage, error)
	Set(ctx context.Context, key string, passages []types.Passage, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache keeps ranked passages in Redis with a default TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ PassageCache = (*RedisCache)(nil)

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "passage_cache")),
	}
	c.logger.Info("passage cache connected", zap.String("addr", cfg.Addr))
	return c, nil
}

// Get returns the cached passages for the key, or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]types.Passage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("passage cache is closed")
	}

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	var passages []types.Passage
	if err := json.Unmarshal([]byte(val), &passages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached passages: %w", err)
	}
	return passages, nil
}

// Set stores passages under the key. A zero ttl uses the cache default.
func (c *RedisCache) Set(ctx context.Context, key string, passages []types.Passage, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("passage cache is closed")
	}

	if ttl == 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(passages)
	if err != nil {
		return fmt.Errorf("failed to marshal passages: %w", err)
	}
	if err := c.client.Set(ctx, key, string(data), ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("passage cache is closed")
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis connection. Safe to call twice.
func (c *RedisCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}
