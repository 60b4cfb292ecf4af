package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

// ReviewRequest 人工审核队列消息
type ReviewRequest struct {
	TransactionID string          `json:"transaction_id"`
	EvaluationID  string          `json:"evaluation_id"`
	UserID        string          `json:"user_id,omitempty"`
	RiskScore     float64         `json:"risk_score"`
	RiskLevel     model.RiskLevel `json:"risk_level"`
	Decision      model.Decision  `json:"decision"`
	Reasons       []string        `json:"reasons,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

func NewReviewRequest(rec *model.EvaluationRecord) ReviewRequest {
	req := ReviewRequest{
		TransactionID: rec.TransactionID,
		EvaluationID:  rec.ID,
		UserID:        rec.UserID,
		RiskScore:     rec.RiskScore,
		RiskLevel:     rec.RiskLevel,
		Decision:      rec.Decision,
		EnqueuedAt:    time.Now().UTC(),
	}
	if rec.Result != nil {
		for _, m := range rec.Result.RuleMatches {
			req.Reasons = append(req.Reasons, m.RuleID)
		}
		for _, f := range rec.Result.Factors {
			if f.Kind != model.FactorRule && f.Score > 0 {
				req.Reasons = append(req.Reasons, string(f.Kind))
			}
		}
	}
	return req
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReviewQueue publishes blocked transactions keyed by transaction id so
// every request for one transaction lands on the same partition.
type KafkaReviewQueue struct {
	writer messageWriter
	topic  string
}

func NewKafkaReviewQueue(brokers []string, topic string) *KafkaReviewQueue {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		// the evaluation path must not wait on the broker
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.ReviewEnqueued.WithLabelValues("broker_error").Add(float64(len(messages)))
				logger.Error("review queue delivery failed", "topic", topic, "messages", len(messages), "error", err)
			}
		},
	}
	return &KafkaReviewQueue{writer: w, topic: topic}
}

func newKafkaReviewQueueWith(w messageWriter, topic string) *KafkaReviewQueue {
	return &KafkaReviewQueue{writer: w, topic: topic}
}

func (q *KafkaReviewQueue) Enqueue(ctx context.Context, rec *model.EvaluationRecord) error {
	body, err := json.Marshal(NewReviewRequest(rec))
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(rec.TransactionID),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "evaluation_id", Value: []byte(rec.ID)},
		},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", q.topic, err)
	}
	return nil
}

func (q *KafkaReviewQueue) Close() error {
	return q.writer.Close()
}

// RedisReviewQueue keeps the queue in a capped redis list for deployments
// without a broker. Consumers pop from the tail.
type RedisReviewQueue struct {
	client  *RedisClient
	listKey string
	listMax int
}

func NewRedisReviewQueue(client *RedisClient, listKey string, listMax int) *RedisReviewQueue {
	if listKey == "" {
		listKey = "review_queue"
	}
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisReviewQueue{client: client, listKey: listKey, listMax: listMax}
}

func (q *RedisReviewQueue) Enqueue(ctx context.Context, rec *model.EvaluationRecord) error {
	payload, err := json.Marshal(NewReviewRequest(rec))
	if err != nil {
		return err
	}
	key := q.client.key(q.listKey)
	pipe := q.client.Client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(q.listMax-1))
	_, err = pipe.Exec(ctx)
	return err
}

// Pending lists queued requests, newest first.
func (q *RedisReviewQueue) Pending(ctx context.Context, limit int) ([]ReviewRequest, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	items, err := q.client.Client.LRange(ctx, q.client.key(q.listKey), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ReviewRequest, 0, len(items))
	for _, raw := range items {
		var req ReviewRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}
