package service

import (
	"context"
	"sync"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

// EvaluationStore 持久化评估记录 (Postgres 或内存)
type EvaluationStore interface {
	Insert(ctx context.Context, rec *model.EvaluationRecord) error
	Get(ctx context.Context, id string) (*model.EvaluationRecord, error)
	List(ctx context.Context, transactionID string, limit int) ([]*model.EvaluationRecord, error)
}

// AuditTrail writes evaluation records off the request path. Records land in
// an in-process ring first, so reads still work while the store is down.
type AuditTrail struct {
	recChan      chan *model.EvaluationRecord
	buffer       *recordBuffer
	store        EvaluationStore
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func NewAuditTrail(store EvaluationStore, bufferSize int) *AuditTrail {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	a := &AuditTrail{
		recChan:      make(chan *model.EvaluationRecord, bufferSize),
		buffer:       newRecordBuffer(bufferSize),
		store:        store,
		writeTimeout: 2 * time.Second,
		done:         make(chan struct{}),
	}
	// 启动消费者 goroutine
	go a.process()
	return a
}

func (a *AuditTrail) Record(rec *model.EvaluationRecord) {
	a.buffer.Add(rec)
	if a.store == nil {
		return
	}
	select {
	case a.recChan <- rec:
	default:
		// 缓冲区满，丢弃以保护主流程
		logger.Warn("evaluation record queue full, dropping persistence",
			"evaluation_id", rec.ID, "transaction_id", rec.TransactionID)
	}
}

// Get prefers the store and falls back to the in-process ring.
func (a *AuditTrail) Get(ctx context.Context, id string) (*model.EvaluationRecord, bool) {
	if a.store != nil {
		rec, err := a.store.Get(ctx, id)
		if err == nil && rec != nil {
			return rec, true
		}
		if err != nil {
			logger.Debug("evaluation store read failed, using buffer", "evaluation_id", id, "error", err)
		}
	}
	rec := a.buffer.Get(id)
	return rec, rec != nil
}

func (a *AuditTrail) List(ctx context.Context, transactionID string, limit int) []*model.EvaluationRecord {
	if a.store != nil {
		records, err := a.store.List(ctx, transactionID, limit)
		if err == nil {
			return records
		}
	}
	return a.buffer.List(transactionID, limit)
}

func (a *AuditTrail) process() {
	defer close(a.done)
	for rec := range a.recChan {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		if err := a.store.Insert(ctx, rec); err != nil {
			logger.Error("failed to persist evaluation record",
				"evaluation_id", rec.ID, "transaction_id", rec.TransactionID, "error", err)
		}
		cancel()
	}
}

// Close drains pending writes.
func (a *AuditTrail) Close() {
	a.closeOnce.Do(func() {
		close(a.recChan)
		<-a.done
	})
}

type recordBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.EvaluationRecord
	nextIndex int
}

func newRecordBuffer(maxSize int) *recordBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &recordBuffer{
		maxSize: maxSize,
		records: make([]*model.EvaluationRecord, 0, maxSize),
	}
}

func (b *recordBuffer) Add(rec *model.EvaluationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, rec)
		return
	}
	b.records[b.nextIndex] = rec
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

func (b *recordBuffer) Get(id string) *model.EvaluationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.records {
		if rec != nil && rec.ID == id {
			return rec
		}
	}
	return nil
}

// List returns newest first.
func (b *recordBuffer) List(transactionID string, limit int) []*model.EvaluationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.EvaluationRecord, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		rec := b.records[idx]
		if rec == nil {
			continue
		}
		if transactionID != "" && rec.TransactionID != transactionID {
			continue
		}
		results = append(results, rec)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// oldest returns the record the next Add will overwrite once the ring is full.
func (b *recordBuffer) oldest() *model.EvaluationRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		return nil
	}
	return b.records[b.nextIndex]
}
