package service

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

// ReviewQueue receives blocked transactions for human review.
type ReviewQueue interface {
	Enqueue(ctx context.Context, rec *model.EvaluationRecord) error
}

// DecisionPublisher fans decision summaries out to live subscribers.
type DecisionPublisher interface {
	Publish(evt model.DecisionEvent)
}

type Evaluator interface {
	Evaluate(ctx context.Context, tx *model.TransactionContext) *model.EvaluationResult
}

type EvaluationService struct {
	evaluator Evaluator
	audit     *AuditTrail
	review    ReviewQueue
	publisher DecisionPublisher
}

func NewEvaluationService(evaluator Evaluator, audit *AuditTrail, review ReviewQueue, publisher DecisionPublisher) *EvaluationService {
	if audit == nil {
		audit = NewAuditTrail(nil, 0)
	}
	return &EvaluationService{
		evaluator: evaluator,
		audit:     audit,
		review:    review,
		publisher: publisher,
	}
}

// ValidateTransaction rejects requests the engines cannot reason about.
func ValidateTransaction(tx *model.TransactionContext) error {
	if tx == nil {
		return apperrors.NewInvalidRequest("transaction body is required")
	}
	if strings.TrimSpace(tx.TransactionID) == "" {
		return apperrors.NewInvalidRequest("transaction_id is required")
	}
	if len(tx.TransactionID) > 128 {
		return apperrors.NewInvalidRequest("transaction_id is too long")
	}
	if tx.Amount.IsNegative() {
		return apperrors.NewInvalidRequest("amount must not be negative")
	}
	if net.ParseIP(strings.TrimSpace(tx.IP)) == nil {
		return apperrors.NewInvalidRequest("ip must be a valid IPv4 or IPv6 address")
	}
	return nil
}

// Evaluate validates the request and runs the pipeline. Only validation can
// fail; everything after the pipeline is best-effort.
func (s *EvaluationService) Evaluate(ctx context.Context, clientID string, tx *model.TransactionContext) (*model.EvaluationResult, error) {
	if err := ValidateTransaction(tx); err != nil {
		return nil, err
	}

	res := s.evaluator.Evaluate(ctx, tx)

	metrics.EvaluationsTotal.WithLabelValues(string(res.Decision), string(res.RiskLevel)).Inc()
	metrics.RiskScore.Observe(res.RiskScore)

	rec := model.NewEvaluationRecord(tx, res)
	s.audit.Record(rec)

	if res.Decision == model.DecisionBlocked {
		s.enqueueReview(ctx, rec)
	}

	if s.publisher != nil {
		evt := model.NewDecisionEvent(res)
		evt.ClientID = clientID
		s.publisher.Publish(evt)
	}

	logger.ForTransaction(tx.TransactionID).Info("transaction evaluated",
		"evaluation_id", res.EvaluationID,
		"client_id", clientID,
		"decision", res.Decision,
		"risk_score", res.RiskScore,
		"risk_level", res.RiskLevel,
		"degraded", res.Degraded,
		"total_ms", res.Timing.TotalMs)
	return res, nil
}

func (s *EvaluationService) enqueueReview(ctx context.Context, rec *model.EvaluationRecord) {
	if s.review == nil {
		metrics.ReviewEnqueued.WithLabelValues("skipped").Inc()
		return
	}
	if err := s.review.Enqueue(context.WithoutCancel(ctx), rec); err != nil {
		metrics.ReviewEnqueued.WithLabelValues("error").Inc()
		logger.LogError(ctx, err, "failed to enqueue blocked transaction for review",
			"transaction_id", rec.TransactionID, "evaluation_id", rec.ID)
		return
	}
	metrics.ReviewEnqueued.WithLabelValues("ok").Inc()
}

func (s *EvaluationService) Get(ctx context.Context, evaluationID string) (*model.EvaluationRecord, error) {
	rec, ok := s.audit.Get(ctx, evaluationID)
	if !ok {
		return nil, apperrors.NewNotFound("evaluation not found: " + evaluationID)
	}
	return rec, nil
}

func (s *EvaluationService) List(ctx context.Context, transactionID string, limit int) []*model.EvaluationRecord {
	return s.audit.List(ctx, transactionID, limit)
}

func (s *EvaluationService) Close() {
	s.audit.Close()
}

// MemoryReviewQueue keeps enqueued reviews in process. Used when no broker
// is configured.
type MemoryReviewQueue struct {
	mu      sync.Mutex
	entries []*model.EvaluationRecord
	max     int
}

func NewMemoryReviewQueue(max int) *MemoryReviewQueue {
	if max <= 0 {
		max = 10000
	}
	return &MemoryReviewQueue{max: max}
}

func (q *MemoryReviewQueue) Enqueue(_ context.Context, rec *model.EvaluationRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.max {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, rec)
	return nil
}

// TransactionIDs returns queued transaction ids, oldest first.
func (q *MemoryReviewQueue) TransactionIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.entries))
	for _, rec := range q.entries {
		out = append(out, rec.TransactionID)
	}
	return out
}

// MemoryEvaluationStore is the in-process EvaluationStore.
type MemoryEvaluationStore struct {
	mu   sync.RWMutex
	byID map[string]*model.EvaluationRecord
	ring *recordBuffer
}

func NewMemoryEvaluationStore(size int) *MemoryEvaluationStore {
	return &MemoryEvaluationStore{
		byID: make(map[string]*model.EvaluationRecord),
		ring: newRecordBuffer(size),
	}
}

func (m *MemoryEvaluationStore) Insert(_ context.Context, rec *model.EvaluationRecord) error {
	m.mu.Lock()
	m.byID[rec.ID] = rec
	if len(m.byID) > m.ring.maxSize {
		// evict whatever the ring is about to overwrite
		if old := m.ring.oldest(); old != nil {
			delete(m.byID, old.ID)
		}
	}
	m.mu.Unlock()
	m.ring.Add(rec)
	return nil
}

func (m *MemoryEvaluationStore) Get(_ context.Context, id string) (*model.EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, apperrors.NewNotFound("evaluation not found: " + id)
	}
	return rec, nil
}

func (m *MemoryEvaluationStore) List(_ context.Context, transactionID string, limit int) ([]*model.EvaluationRecord, error) {
	return m.ring.List(transactionID, limit), nil
}
