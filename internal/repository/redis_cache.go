package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements cache.Cache on redis strings.
type RedisCache struct {
	client *RedisClient
}

func NewRedisCache(client *RedisClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Client.Get(ctx, c.client.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Client.Set(ctx, c.client.key(key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.client.key(k)
	}
	return c.client.Client.Del(ctx, full...).Err()
}
