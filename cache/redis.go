package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisCache implements ResultCache on Redis. Rows are msgpack-encoded.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a result cache over an existing Redis client.
// defaultTTL applies when Set is called with a zero TTL.
func NewRedisCache(client *redis.Client, prefix string, defaultTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "marrow:result:"
	}
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    defaultTTL,
	}
}

// Get returns the cached rows for a key, if present
func (c *RedisCache) Get(ctx context.Context, key string) ([]map[string]interface{}, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rows []map[string]interface{}
	if err := msgpack.Unmarshal(data, &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

// Set stores rows under a key with the given TTL
func (c *RedisCache) Set(ctx context.Context, key string, rows []map[string]interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(rows)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

// Invalidate drops cached entries
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.prefix + key
	}
	return c.client.Del(ctx, prefixed...).Err()
}
