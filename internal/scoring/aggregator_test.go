package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

func TestWeightedSum(t *testing.T) {
	a := NewAggregator()
	agg := a.Aggregate([]model.RiskFactor{
		{Kind: model.FactorRule, Score: 60, Severity: model.SeverityMedium},
		{Kind: model.FactorNetwork, Score: 40, Severity: model.SeverityMedium},
		{Kind: model.FactorBotBehavior, Score: 35, Severity: model.SeverityMedium},
	})
	// 60 + 32 + 21
	assert.Equal(t, 100.0, agg.Total)
	assert.Equal(t, model.RiskHigh, agg.Level)

	agg = a.Aggregate([]model.RiskFactor{{Kind: model.FactorML, Score: 50, Severity: model.SeverityLow}})
	assert.Equal(t, 26.25, agg.Total)
	assert.Equal(t, model.RiskLow, agg.Level)
}

func TestLevelBands(t *testing.T) {
	tests := []struct {
		score float64
		want  model.RiskLevel
	}{
		{0, model.RiskLow},
		{30, model.RiskLow},
		{30.01, model.RiskMedium},
		{35, model.RiskMedium},
		{39, model.RiskMedium},
		{70, model.RiskMedium},
		{71, model.RiskHigh},
		{79, model.RiskHigh},
		{100, model.RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %v", tt.score)
	}
}

func TestLevelIsMonotonic(t *testing.T) {
	rank := map[model.RiskLevel]int{model.RiskLow: 0, model.RiskMedium: 1, model.RiskHigh: 2}
	prev := 0
	for s := 0.0; s <= 100; s += 0.25 {
		r := rank[LevelFor(s)]
		assert.GreaterOrEqual(t, r, prev, "score %v", s)
		prev = r
	}
}

func TestCriticalForcesHigh(t *testing.T) {
	agg := NewAggregator().Aggregate([]model.RiskFactor{
		{Kind: model.FactorThreatIntel, Score: 10, Severity: model.SeverityCritical},
	})
	assert.Equal(t, 15.0, agg.Total)
	assert.True(t, agg.HasCritical)
	assert.Equal(t, model.RiskHigh, agg.Level)
}

func TestNormalFactorContributesNothing(t *testing.T) {
	agg := NewAggregator().Aggregate([]model.RiskFactor{{Kind: model.FactorNormal, Score: 0, Severity: model.SeverityInfo}})
	assert.Zero(t, agg.Total)
	assert.Equal(t, model.RiskLow, agg.Level)
}

func TestOutOfRangeInputsAreClamped(t *testing.T) {
	agg := NewAggregator().Aggregate([]model.RiskFactor{
		{Kind: model.FactorRule, Score: 250, Severity: model.SeverityMedium},
		{Kind: model.FactorRule, Score: math.NaN(), Severity: model.SeverityMedium},
		{Kind: model.FactorRule, Score: -40, Severity: model.SeverityMedium},
	})
	assert.Equal(t, 100.0, agg.Total)
	assert.Equal(t, 100.0, agg.Contributions[0].Weighted)
	assert.Zero(t, agg.Contributions[1].Weighted)
	assert.Zero(t, agg.Contributions[2].Weighted)
}

func TestUnknownEnumsFallBack(t *testing.T) {
	agg := NewAggregator().Aggregate([]model.RiskFactor{{Kind: "mystery", Score: 20, Severity: "extreme"}})
	assert.Equal(t, 20.0, agg.Total)
}

func TestWithWeights(t *testing.T) {
	a := NewAggregator().WithWeights(map[model.FactorKind]float64{model.FactorNetwork: 1})
	agg := a.Aggregate([]model.RiskFactor{{Kind: model.FactorNetwork, Score: 40, Severity: model.SeverityMedium}})
	assert.Equal(t, 40.0, agg.Total)
	// the original is untouched
	agg = NewAggregator().Aggregate([]model.RiskFactor{{Kind: model.FactorNetwork, Score: 40, Severity: model.SeverityMedium}})
	assert.Equal(t, 32.0, agg.Total)
}

func TestDeterministic(t *testing.T) {
	fs := []model.RiskFactor{
		{Kind: model.FactorDevice, Score: 33.3, Severity: model.SeverityMedium},
		{Kind: model.FactorGeoMismatch, Score: 40, Severity: model.SeverityMedium},
	}
	a := NewAggregator()
	assert.Equal(t, a.Aggregate(fs), a.Aggregate(fs))
}
