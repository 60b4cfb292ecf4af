package model

import "time"

// BlacklistRequest is the admin body for adding or removing a blacklist entry.
type BlacklistRequest struct {
	Kind   IndicatorKind `json:"kind" binding:"required"`
	Value  string        `json:"value" binding:"required"`
	Level  ThreatLevel   `json:"level,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// DecisionEvent is the compact summary pushed to the live decision feed.
type DecisionEvent struct {
	EvaluationID  string    `json:"evaluation_id"`
	TransactionID string    `json:"transaction_id"`
	ClientID      string    `json:"client_id,omitempty"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Decision      Decision  `json:"decision"`
	TopFactor     string    `json:"top_factor,omitempty"`
	Degraded      bool      `json:"degraded"`
	LatencyMs     float64   `json:"latency_ms"`
	At            time.Time `json:"at"`
}

func NewDecisionEvent(res *EvaluationResult) DecisionEvent {
	ev := DecisionEvent{
		EvaluationID:  res.EvaluationID,
		TransactionID: res.TransactionID,
		RiskScore:     res.RiskScore,
		RiskLevel:     res.RiskLevel,
		Decision:      res.Decision,
		Degraded:      res.Degraded,
		LatencyMs:     res.Timing.TotalMs,
		At:            res.EvaluatedAt,
	}
	var top *RiskFactor
	for i := range res.Factors {
		f := &res.Factors[i]
		if top == nil || f.Score > top.Score {
			top = f
		}
	}
	if top != nil {
		ev.TopFactor = top.Description
	}
	return ev
}
