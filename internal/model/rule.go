package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type RuleCategory string

const (
	CategoryPayment  RuleCategory = "payment"
	CategoryAccount  RuleCategory = "account"
	CategoryShipping RuleCategory = "shipping"
)

type RuleTier string

const (
	TierBlock        RuleTier = "block"
	TierManualReview RuleTier = "manual_review"
	TierWarning      RuleTier = "warning"
)

// Severity maps a rule tier onto the factor severity scale.
func (t RuleTier) Severity() Severity {
	switch t {
	case TierBlock:
		return SeverityCritical
	case TierManualReview:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RuleDefinition is the externally managed configuration of one rule.
type RuleDefinition struct {
	ID          string       `json:"id"`
	Category    RuleCategory `json:"category"`
	Tier        RuleTier     `json:"tier"`
	Weight      float64      `json:"weight"`
	Priority    int          `json:"priority"`
	Active      bool         `json:"active"`
	Description string       `json:"description,omitempty"`
	Params      RuleParams   `json:"params,omitempty"`
}

// RuleParams is the JSON condition block of a rule (thresholds, lists, windows).
type RuleParams map[string]any

func (p RuleParams) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (p RuleParams) Int(key string, def int) int {
	return int(p.Float(key, float64(def)))
}

// Duration reads "<key>" as a Go duration string or a number of seconds.
func (p RuleParams) Duration(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64, int, int64, json.Number:
		return time.Duration(p.Float(key, 0) * float64(time.Second))
	}
	return def
}

// Strings reads a list parameter, lowercased and trimmed.
func (p RuleParams) Strings(key string, def []string) []string {
	raw, ok := p[key]
	if !ok {
		return def
	}
	var out []string
	switch v := raw.(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	default:
		return def
	}
	for i := range out {
		out[i] = strings.ToLower(strings.TrimSpace(out[i]))
	}
	return out
}

// RuleMatch is produced for every rule whose condition held.
type RuleMatch struct {
	RuleID   string         `json:"rule_id"`
	Category RuleCategory   `json:"category"`
	Tier     RuleTier       `json:"tier"`
	Score    float64        `json:"score"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
