package model

import (
	"time"
)

// EvaluationRecord 代表一次风控评估的持久化审计记录
type EvaluationRecord struct {
	ID            string    `json:"id" db:"id"`                         // 评估 ID (UUID)
	TransactionID string    `json:"transaction_id" db:"transaction_id"` // 交易 ID
	UserID        string    `json:"user_id" db:"user_id"`               // 用户 ID (游客为空)
	IP            string    `json:"ip" db:"ip"`
	RiskScore     float64   `json:"risk_score" db:"risk_score"`
	RiskLevel     RiskLevel `json:"risk_level" db:"risk_level"`
	Decision      Decision  `json:"decision" db:"decision"`

	// 降级与 SLA 标记，便于事后审计
	Degraded        bool   `json:"degraded" db:"degraded"`
	SLAExceeded     bool   `json:"sla_exceeded" db:"sla_exceeded"`
	ExperimentGroup string `json:"experiment_group" db:"experiment_group"`
	LatencyMs       int64  `json:"latency_ms" db:"latency_ms"`

	// 完整评估结果 (JSON)
	Result *EvaluationResult `json:"result" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func NewEvaluationRecord(tx *TransactionContext, res *EvaluationResult) *EvaluationRecord {
	rec := &EvaluationRecord{
		ID:              res.EvaluationID,
		TransactionID:   res.TransactionID,
		RiskScore:       res.RiskScore,
		RiskLevel:       res.RiskLevel,
		Decision:        res.Decision,
		Degraded:        res.Degraded,
		SLAExceeded:     res.SLAExceeded,
		ExperimentGroup: res.ExperimentGroup,
		LatencyMs:       int64(res.Timing.TotalMs),
		Result:          res,
		CreatedAt:       res.EvaluatedAt,
	}
	if tx != nil {
		rec.UserID = tx.UserID
		rec.IP = tx.IP
	}
	return rec
}
