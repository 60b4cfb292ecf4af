package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and set the expiry only when this call created the key.
var incrWithWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounterStore implements manager.CounterStore on redis.
type RedisCounterStore struct {
	client *RedisClient
}

func NewRedisCounterStore(client *RedisClient) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, error) {
	ms := window.Milliseconds()
	if ms <= 0 {
		return s.client.Client.Incr(ctx, s.client.key(key)).Result()
	}
	return incrWithWindow.Run(ctx, s.client.Client, []string{s.client.key(key)}, ms).Int64()
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Client.Get(ctx, s.client.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
