package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

type IdempotencyRecord struct {
	Status     int
	Body       []byte
	CreatedAt  time.Time
	Processing bool // 正在处理中，用于防止并发竞争
}

type IdempotencyStore interface {
	// GetOrLock returns (record, true) if exists; (nil,false) if newly locked by caller.
	GetOrLock(ctx context.Context, key string) (*IdempotencyRecord, bool)
	Save(ctx context.Context, key string, status int, body []byte)
	Unlock(ctx context.Context, key string)
}

// InMemIdempotencyStore 单实例部署使用，多实例请用 Redis
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*IdempotencyRecord // Key: ClientID + ":" + IdempotencyKey
}

func NewInMemIdempotencyStore(ttl time.Duration) *InMemIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemIdempotencyStore{
		ttl:     ttl,
		records: make(map[string]*IdempotencyRecord),
	}
}

// GetOrLock 尝试获取记录。如果不存在，则锁定并返回 nil（表示你是第一个）。
func (s *InMemIdempotencyStore) GetOrLock(_ context.Context, key string) (*IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		if time.Since(rec.CreatedAt) < s.ttl {
			return rec, true
		}
		delete(s.records, key)
	}

	s.records[key] = &IdempotencyRecord{
		Processing: true,
		CreatedAt:  time.Now(),
	}
	return nil, false
}

func (s *InMemIdempotencyStore) Save(_ context.Context, key string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = &IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now(),
	}
}

func (s *InMemIdempotencyStore) Unlock(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// IdempotencyMiddleware replays the stored response for a retried request so
// the retry does not bump velocity counters a second time.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" || store == nil {
			c.Next()
			return
		}

		client := ClientFrom(c)
		if client == nil {
			c.Next()
			return
		}
		fullKey := client.ID + ":" + idemKey
		ctx := c.Request.Context()

		record, hit := store.GetOrLock(ctx, fullKey)
		if hit {
			if record.Processing {
				c.JSON(http.StatusConflict, gin.H{"error": "request in progress"})
				c.Abort()
				return
			}
			c.Header("X-Idempotent-Replay", "true")
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// 5xx 允许重试，不保存结果
		if c.Writer.Status() < 500 {
			store.Save(context.WithoutCancel(ctx), fullKey, c.Writer.Status(), w.body)
		} else {
			store.Unlock(context.WithoutCancel(ctx), fullKey)
		}
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
