package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

func blockedRecord(id, tx string) *model.EvaluationRecord {
	return &model.EvaluationRecord{
		ID:            id,
		TransactionID: tx,
		UserID:        "u-1",
		RiskScore:     100,
		RiskLevel:     model.RiskHigh,
		Decision:      model.DecisionBlocked,
		Result: &model.EvaluationResult{
			RuleMatches: []model.RuleMatch{{RuleID: "payment.test_card", Tier: model.TierBlock}},
			Factors: []model.RiskFactor{
				{Kind: model.FactorRule, Score: 100},
				{Kind: model.FactorThreatIntel, Score: 95},
				{Kind: model.FactorBotBehavior, Score: 0},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestNewReviewRequestReasons(t *testing.T) {
	req := NewReviewRequest(blockedRecord("ev-1", "tx-1"))
	assert.Equal(t, []string{"payment.test_card", string(model.FactorThreatIntel)}, req.Reasons)
	assert.Equal(t, "ev-1", req.EvaluationID)
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaReviewQueueKeysByTransaction(t *testing.T) {
	w := &fakeWriter{}
	q := newKafkaReviewQueueWith(w, "fraud.review")

	require.NoError(t, q.Enqueue(context.Background(), blockedRecord("ev-1", "tx-42")))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "tx-42", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "ev-1", string(msg.Headers[0].Value))

	var body ReviewRequest
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, model.DecisionBlocked, body.Decision)

	require.NoError(t, q.Close())
	assert.True(t, w.closed)
}

func TestKafkaReviewQueueError(t *testing.T) {
	q := newKafkaReviewQueueWith(&fakeWriter{err: errors.New("leader not available")}, "fraud.review")
	err := q.Enqueue(context.Background(), blockedRecord("ev-1", "tx-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fraud.review")
}

func TestRedisReviewQueueCapped(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewRedisReviewQueue(client, "review", 2)
	ctx := context.Background()

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		require.NoError(t, q.Enqueue(ctx, blockedRecord("ev-"+id, id)))
	}
	items, err := mr.List("fg:review")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	pending, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "tx-3", pending[0].TransactionID)
	assert.Equal(t, "tx-2", pending[1].TransactionID)
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisIdempotencyStore(client, time.Minute)
	ctx := context.Background()

	rec, hit := s.GetOrLock(ctx, "shop:k1")
	assert.Nil(t, rec)
	assert.False(t, hit)

	rec, hit = s.GetOrLock(ctx, "shop:k1")
	require.True(t, hit)
	assert.True(t, rec.Processing)

	s.Save(ctx, "shop:k1", 200, []byte(`{"decision":"approve"}`))
	rec, hit = s.GetOrLock(ctx, "shop:k1")
	require.True(t, hit)
	assert.False(t, rec.Processing)
	assert.Equal(t, 200, rec.Status)
	assert.JSONEq(t, `{"decision":"approve"}`, string(rec.Body))

	s.Unlock(ctx, "shop:k1")
	assert.False(t, mr.Exists("fg:idem:shop:k1"))

	_, _ = s.GetOrLock(ctx, "shop:k2")
	mr.FastForward(2 * time.Minute)
	_, hit = s.GetOrLock(ctx, "shop:k2")
	assert.False(t, hit, "expired lock is re-acquired")
}

func TestRedisIdempotencyFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisIdempotencyStore(client, time.Minute)
	mr.Close()

	rec, hit := s.GetOrLock(context.Background(), "shop:k1")
	assert.Nil(t, rec)
	assert.False(t, hit)
}
