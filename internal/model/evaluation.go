package model

import "time"

// Timing holds per-stage latency in milliseconds plus the end-to-end total.
type Timing struct {
	Stages  map[string]float64 `json:"stages_ms"`
	TotalMs float64            `json:"total_ms"`
}

type EvaluationResult struct {
	EvaluationID      string       `json:"evaluation_id"`
	TransactionID     string       `json:"transaction_id"`
	RiskScore         float64      `json:"risk_score"`
	RiskLevel         RiskLevel    `json:"risk_level"`
	Decision          Decision     `json:"decision"`
	Factors           []RiskFactor `json:"factors"`
	RuleMatches       []RuleMatch  `json:"rule_matches"`
	Timing            Timing       `json:"timing"`
	RecommendedAction string       `json:"recommended_action"`
	AuthMethodHint    string       `json:"auth_method_hint,omitempty"`
	ManualReview      bool         `json:"manual_review"`
	DeviceID          string       `json:"device_id,omitempty"`
	DegradedSignals   []string     `json:"degraded_signals,omitempty"`
	Degraded          bool         `json:"degraded"`
	SLAExceeded       bool         `json:"sla_exceeded"`
	ExperimentGroup   string       `json:"experiment_group,omitempty"`
	ModelVersion      string       `json:"model_version,omitempty"`
	EvaluatedAt       time.Time    `json:"evaluated_at"`
}

// HasBlockMatch reports whether any block-tier rule matched.
func (r *EvaluationResult) HasBlockMatch() bool {
	for _, m := range r.RuleMatches {
		if m.Tier == TierBlock {
			return true
		}
	}
	return false
}
