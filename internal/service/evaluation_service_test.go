package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
)

type fixedEvaluator struct {
	res *model.EvaluationResult
}

func (f fixedEvaluator) Evaluate(_ context.Context, tx *model.TransactionContext) *model.EvaluationResult {
	r := *f.res
	r.TransactionID = tx.TransactionID
	return &r
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.DecisionEvent
}

func (p *recordingPublisher) Publish(evt model.DecisionEvent) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, *model.EvaluationRecord) error {
	return errors.New("broker unreachable")
}

type brokenStore struct{}

func (brokenStore) Insert(context.Context, *model.EvaluationRecord) error {
	return errors.New("db down")
}

func (brokenStore) Get(context.Context, string) (*model.EvaluationRecord, error) {
	return nil, errors.New("db down")
}

func (brokenStore) List(context.Context, string, int) ([]*model.EvaluationRecord, error) {
	return nil, errors.New("db down")
}

func blockedResult() *model.EvaluationResult {
	return &model.EvaluationResult{
		EvaluationID: "eval-1",
		RiskScore:    100,
		RiskLevel:    model.RiskHigh,
		Decision:     model.DecisionBlocked,
		Factors:      []model.RiskFactor{{Kind: model.FactorRule, Score: 100, Severity: model.SeverityCritical, Description: "known test card"}},
		EvaluatedAt:  time.Now().UTC(),
	}
}

func TestValidateTransaction(t *testing.T) {
	valid := checkoutTx("tx-v", 1000)
	require.NoError(t, ValidateTransaction(valid))

	cases := map[string]func(*model.TransactionContext){
		"missing id":      func(tx *model.TransactionContext) { tx.TransactionID = "  " },
		"negative amount": func(tx *model.TransactionContext) { tx.Amount = decimal.NewFromInt(-1) },
		"bad ip":          func(tx *model.TransactionContext) { tx.IP = "999.1.1.1" },
	}
	for name, mutate := range cases {
		tx := checkoutTx("tx-v", 1000)
		mutate(tx)
		err := ValidateTransaction(tx)
		require.Error(t, err, name)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest), name)
	}
	assert.Error(t, ValidateTransaction(nil))
}

func TestBlockedEvaluationIsQueuedAndPublished(t *testing.T) {
	store := NewMemoryEvaluationStore(10)
	audit := NewAuditTrail(store, 10)
	queue := NewMemoryReviewQueue(0)
	pub := &recordingPublisher{}
	svc := NewEvaluationService(fixedEvaluator{res: blockedResult()}, audit, queue, pub)

	res, err := svc.Evaluate(context.Background(), "merchant-a", checkoutTx("tx-blocked", 1000))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionBlocked, res.Decision)
	assert.Equal(t, []string{"tx-blocked"}, queue.TransactionIDs())

	require.Len(t, pub.events, 1)
	assert.Equal(t, "merchant-a", pub.events[0].ClientID)
	assert.Equal(t, "known test card", pub.events[0].TopFactor)

	svc.Close()
	rec, err := store.Get(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-blocked", rec.TransactionID)
	assert.Equal(t, model.DecisionBlocked, rec.Decision)
}

func TestApprovedEvaluationIsNotQueued(t *testing.T) {
	queue := NewMemoryReviewQueue(0)
	approved := &model.EvaluationResult{EvaluationID: "eval-2", RiskLevel: model.RiskLow, Decision: model.DecisionApprove}
	svc := NewEvaluationService(fixedEvaluator{res: approved}, nil, queue, nil)
	defer svc.Close()

	_, err := svc.Evaluate(context.Background(), "", checkoutTx("tx-ok", 1000))
	require.NoError(t, err)
	assert.Empty(t, queue.TransactionIDs())
}

func TestDownstreamFailuresDoNotFailEvaluation(t *testing.T) {
	audit := NewAuditTrail(brokenStore{}, 10)
	svc := NewEvaluationService(fixedEvaluator{res: blockedResult()}, audit, brokenQueue{}, nil)

	res, err := svc.Evaluate(context.Background(), "", checkoutTx("tx-degraded", 1000))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionBlocked, res.Decision)

	// store is down, the ring still answers
	rec, err := svc.Get(context.Background(), "eval-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-degraded", rec.TransactionID)
	svc.Close()
}

func TestInvalidRequestIsRejectedBeforeEvaluation(t *testing.T) {
	queue := NewMemoryReviewQueue(0)
	svc := NewEvaluationService(fixedEvaluator{res: blockedResult()}, nil, queue, nil)
	defer svc.Close()

	tx := checkoutTx("tx-bad", 1000)
	tx.IP = ""
	_, err := svc.Evaluate(context.Background(), "", tx)
	require.Error(t, err)
	assert.Empty(t, queue.TransactionIDs())
}

func TestGetUnknownEvaluation(t *testing.T) {
	svc := NewEvaluationService(fixedEvaluator{res: blockedResult()}, nil, nil, nil)
	defer svc.Close()
	_, err := svc.Get(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRecordBufferKeepsNewest(t *testing.T) {
	b := newRecordBuffer(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		b.Add(&model.EvaluationRecord{ID: id, TransactionID: "tx-" + id})
	}
	list := b.List("", 0)
	require.Len(t, list, 3)
	assert.Equal(t, "d", list[0].ID)
	assert.Equal(t, "b", list[2].ID)
	assert.Nil(t, b.Get("a"))
	assert.Len(t, b.List("tx-c", 10), 1)
}

func TestMemoryStoreEvictsWithRing(t *testing.T) {
	s := NewMemoryEvaluationStore(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Insert(ctx, &model.EvaluationRecord{ID: id}))
	}
	_, err := s.Get(ctx, "a")
	assert.Error(t, err)
	rec, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "c", rec.ID)
}
