package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoPolymarket/fraudgate/internal/middleware"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

// RedisIdempotencyStore shares replay state across instances so a retried
// checkout is not counted twice by the velocity rules.
type RedisIdempotencyStore struct {
	client *RedisClient
	ttl    time.Duration
	prefix string
}

func NewRedisIdempotencyStore(client *RedisClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
		prefix: "idem:",
	}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return s.client.key(s.prefix + k)
}

func (s *RedisIdempotencyStore) GetOrLock(ctx context.Context, key string) (*middleware.IdempotencyRecord, bool) {
	record := middleware.IdempotencyRecord{
		CreatedAt:  time.Now().UTC(),
		Processing: true,
	}
	ok, err := s.client.Client.SetNX(ctx, s.key(key), encodeIdemRecord(record), s.ttl).Result()
	if err != nil {
		// redis down: process the request rather than reject it
		logger.Warn("idempotency lock failed", "error", err)
		return nil, false
	}
	if ok {
		return nil, false
	}
	raw, err := s.client.Client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	rec, err := decodeIdemRecord(raw)
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) {
	record := middleware.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.client.Client.Set(ctx, s.key(key), encodeIdemRecord(record), s.ttl).Err(); err != nil {
		logger.Warn("idempotency save failed", "error", err)
	}
}

func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) {
	_ = s.client.Client.Del(ctx, s.key(key)).Err()
}

func encodeIdemRecord(rec middleware.IdempotencyRecord) string {
	wire := map[string]interface{}{
		"status":     rec.Status,
		"body":       base64.StdEncoding.EncodeToString(rec.Body),
		"created_at": rec.CreatedAt.Unix(),
		"processing": rec.Processing,
	}
	data, _ := json.Marshal(wire)
	return string(data)
}

func decodeIdemRecord(raw string) (*middleware.IdempotencyRecord, error) {
	var wire struct {
		Status     int    `json:"status"`
		Body       string `json:"body"`
		CreatedAt  int64  `json:"created_at"`
		Processing bool   `json:"processing"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, err
	}
	body, _ := base64.StdEncoding.DecodeString(wire.Body)
	return &middleware.IdempotencyRecord{
		Status:     wire.Status,
		Body:       body,
		CreatedAt:  time.Unix(wire.CreatedAt, 0).UTC(),
		Processing: wire.Processing,
	}, nil
}
