package model

import "math"

type FactorKind string

const (
	FactorNormal      FactorKind = "normal"
	FactorDevice      FactorKind = "device"
	FactorGeoMismatch FactorKind = "geo_mismatch"
	FactorBotBehavior FactorKind = "bot_behavior"
	FactorNetwork     FactorKind = "network"
	FactorThreatIntel FactorKind = "threat_intel"
	FactorRule        FactorKind = "rule"
	FactorML          FactorKind = "ml_score"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from info (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Decision string

const (
	DecisionApprove                Decision = "approve"
	DecisionAdditionalAuthRequired Decision = "additional_auth_required"
	DecisionBlocked                Decision = "blocked"
)

// RiskFactor is one piece of evidence contributed by an engine.
type RiskFactor struct {
	Kind        FactorKind     `json:"kind"`
	Score       float64        `json:"score"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Source      string         `json:"source,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ClampScore bounds v to [0,100]; NaN becomes 0.
func ClampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
