package model

import "time"

type IndicatorKind string

const (
	IndicatorIP              IndicatorKind = "ip"
	IndicatorEmail           IndicatorKind = "email"
	IndicatorEmailDomain     IndicatorKind = "email_domain"
	IndicatorDevice          IndicatorKind = "device"
	IndicatorCardBIN         IndicatorKind = "card_bin"
	IndicatorShippingAddress IndicatorKind = "shipping_address"
)

func (k IndicatorKind) Valid() bool {
	switch k {
	case IndicatorIP, IndicatorEmail, IndicatorEmailDomain, IndicatorDevice, IndicatorCardBIN, IndicatorShippingAddress:
		return true
	}
	return false
}

type ThreatLevel string

const (
	ThreatNone   ThreatLevel = "none"
	ThreatLow    ThreatLevel = "low"
	ThreatMedium ThreatLevel = "medium"
	ThreatHigh   ThreatLevel = "high"
)

const (
	ThreatSourceCache     = "cache"
	ThreatSourceBlacklist = "blacklist"
	ThreatSourceExternal  = "external"
	ThreatSourceNone      = "none"
)

type ThreatResult struct {
	Kind        IndicatorKind `json:"kind"`
	Value       string        `json:"value"`
	IsThreat    bool          `json:"is_threat"`
	Level       ThreatLevel   `json:"level"`
	Source      string        `json:"source"`
	Confidence  float64       `json:"confidence"`
	Description string        `json:"description,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// NoThreat is the fail-open result.
func NoThreat(kind IndicatorKind, value string) ThreatResult {
	return ThreatResult{
		Kind:      kind,
		Value:     value,
		Level:     ThreatNone,
		Source:    ThreatSourceNone,
		CheckedAt: time.Now().UTC(),
	}
}

// BlacklistEntry 本地黑名单记录
type BlacklistEntry struct {
	Kind      IndicatorKind `json:"kind" db:"kind"`
	Value     string        `json:"value" db:"value"`
	Level     ThreatLevel   `json:"level" db:"level"`
	Source    string        `json:"source" db:"source"`
	Reason    string        `json:"reason" db:"reason"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}
