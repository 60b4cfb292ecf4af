// Package scoring folds risk factors into one score and risk level.
package scoring

import (
	"math"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

var defaultCategoryWeights = map[model.FactorKind]float64{
	model.FactorRule:        1.0,
	model.FactorThreatIntel: 1.0,
	model.FactorNetwork:     0.8,
	model.FactorDevice:      0.8,
	model.FactorGeoMismatch: 0.6,
	model.FactorBotBehavior: 0.6,
	model.FactorML:          0.7,
	model.FactorNormal:      0,
}

var defaultSeverityMultipliers = map[model.Severity]float64{
	model.SeverityInfo:     0.5,
	model.SeverityLow:      0.75,
	model.SeverityMedium:   1.0,
	model.SeverityHigh:     1.25,
	model.SeverityCritical: 1.5,
}

// Level boundaries. Scores in the 31-39 and 71-79 bands resolve upward.
const (
	LowMax    = 30.0
	MediumMax = 70.0
)

type Contribution struct {
	Kind     model.FactorKind `json:"kind"`
	Source   string           `json:"source,omitempty"`
	Weighted float64          `json:"weighted"`
}

type Aggregate struct {
	Total         float64         `json:"total"`
	Level         model.RiskLevel `json:"level"`
	HasCritical   bool            `json:"has_critical"`
	Contributions []Contribution  `json:"contributions"`
}

type Aggregator struct {
	weights     map[model.FactorKind]float64
	multipliers map[model.Severity]float64
}

func NewAggregator() *Aggregator {
	return &Aggregator{weights: defaultCategoryWeights, multipliers: defaultSeverityMultipliers}
}

// WithWeights overrides category weights; kinds not present keep the default.
func (a *Aggregator) WithWeights(w map[model.FactorKind]float64) *Aggregator {
	merged := make(map[model.FactorKind]float64, len(a.weights))
	for k, v := range a.weights {
		merged[k] = v
	}
	for k, v := range w {
		merged[k] = v
	}
	return &Aggregator{weights: merged, multipliers: a.multipliers}
}

// Aggregate is pure: the same factors always give the same result.
func (a *Aggregator) Aggregate(factors []model.RiskFactor) Aggregate {
	out := Aggregate{Contributions: make([]Contribution, 0, len(factors))}
	var sum float64
	for _, f := range factors {
		score := f.Score
		if math.IsNaN(score) || score < 0 || score > 100 {
			metrics.InvariantViolations.WithLabelValues("factor_score").Inc()
			score = model.ClampScore(score)
		}
		weight, ok := a.weights[f.Kind]
		if !ok {
			metrics.InvariantViolations.WithLabelValues("factor_kind").Inc()
			weight = 1.0
		}
		mult, ok := a.multipliers[f.Severity]
		if !ok {
			metrics.InvariantViolations.WithLabelValues("severity").Inc()
			mult = 1.0
		}
		if f.Severity == model.SeverityCritical {
			out.HasCritical = true
		}
		w := score * weight * mult
		sum += w
		out.Contributions = append(out.Contributions, Contribution{Kind: f.Kind, Source: f.Source, Weighted: round2(w)})
	}
	out.Total = round2(model.ClampScore(sum))
	out.Level = LevelFor(out.Total)
	if out.HasCritical {
		out.Level = model.RiskHigh
	}
	return out
}

// LevelFor maps a score to a level: <=30 low, <=70 medium, above that high.
func LevelFor(score float64) model.RiskLevel {
	switch {
	case score <= LowMax:
		return model.RiskLow
	case score <= MediumMax:
		return model.RiskMedium
	default:
		return model.RiskHigh
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
