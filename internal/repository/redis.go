package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/config"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
	prefix string
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
		PoolSize:     64,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisClientFrom(rdb, cfg.Redis.KeyPrefix), nil
}

// NewRedisClientFrom wraps an existing client; used by tests against miniredis.
func NewRedisClientFrom(rdb *redis.Client, prefix string) *RedisClient {
	return &RedisClient{Client: rdb, prefix: prefix}
}

func (r *RedisClient) key(k string) string {
	return r.prefix + k
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}
