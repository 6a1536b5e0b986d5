package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/config"
)

const keyPrefix = "searchsync:"

// RedisCache caches serialized query results. Cache failures never fail a query: they
// are logged and treated as misses.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
}

// NewRedisCache creates a new Redis cache; a disabled config yields a cache that always misses
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{client: client, ttl: cfg.TTL, enabled: true}, nil
}

// Enabled reports whether the cache is backed by Redis
func (c *RedisCache) Enabled() bool {
	return c.enabled
}

// Get returns the cached value for key
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.enabled {
		return nil, false
	}

	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to read from Redis")
		}
		return nil, false
	}
	return data, true
}

// Set stores value under key for the configured TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte) {
	if !c.enabled {
		return
	}

	if err := c.client.Set(ctx, keyPrefix+key, value, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to write to Redis")
	}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}
