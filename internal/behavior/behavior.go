// Package behavior scores how bot-like a checkout session's pointer,
// keystroke and clickstream telemetry is.
package behavior

import (
	"math"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

const (
	pointerWeight   = 0.5
	keystrokeWeight = 0.25
	clickWeight     = 0.25

	lowCeiling    = 30
	mediumCeiling = 70
)

// Thresholds tunes the robotic-pattern detectors.
type Thresholds struct {
	MinPointerSamples  int
	StraightAngleRad   float64 // |Δθ| below this counts as a straight segment
	StraightRatio      float64
	MaxPointerSpeed    float64 // px per ms
	FastRatio          float64
	MinKeyIntervalMs   float64
	FastKeyRatio       float64
	MaxCorrectionRatio float64
	MinKeyStdDevMs     float64
	ShortDwellMs       float64
	ShortDwellRatio    float64
	MinDwellStdDevMs   float64
	MinAverageDwellMs  float64

	PointerRoboticScore   float64
	PointerSparseScore    float64
	PointerAbsentScore    float64
	KeystrokeRoboticScore float64
	ClickRoboticScore     float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinPointerSamples:  10,
		StraightAngleRad:   0.02,
		StraightRatio:      0.7,
		MaxPointerSpeed:    8,
		FastRatio:          0.5,
		MinKeyIntervalMs:   35,
		FastKeyRatio:       0.8,
		MaxCorrectionRatio: 0.01,
		MinKeyStdDevMs:     5,
		ShortDwellMs:       300,
		ShortDwellRatio:    0.7,
		MinDwellStdDevMs:   50,
		MinAverageDwellMs:  1000,

		PointerRoboticScore:   90,
		PointerSparseScore:    70,
		PointerAbsentScore:    70,
		KeystrokeRoboticScore: 90,
		ClickRoboticScore:     85,
	}
}

// StreamAnalysis is the sub-result for one telemetry stream.
type StreamAnalysis struct {
	Score   float64  `json:"score"`
	Samples int      `json:"samples"`
	Absent  bool     `json:"absent"`
	Robotic bool     `json:"robotic"`
	Reasons []string `json:"reasons,omitempty"`
}

type Analysis struct {
	BotScore               float64         `json:"bot_score"`
	Level                  model.RiskLevel `json:"level"`
	RequiresAdditionalAuth bool            `json:"requires_additional_auth"`
	Pointer                StreamAnalysis  `json:"pointer"`
	Keystroke              StreamAnalysis  `json:"keystroke"`
	Click                  StreamAnalysis  `json:"click"`
}

type Engine struct {
	th Thresholds
}

func NewEngine(th Thresholds) *Engine {
	return &Engine{th: th}
}

// Analyze combines the three streams with fixed weights 0.5/0.25/0.25.
// A missing pointer stream is suspicious; missing keystroke or click streams are neutral.
func (e *Engine) Analyze(t model.BehaviorTelemetry) Analysis {
	a := Analysis{
		Pointer:   e.analyzePointer(t.Pointer),
		Keystroke: e.analyzeKeystrokes(t.Keystrokes),
		Click:     e.analyzeClicks(t.Clicks),
	}
	score := pointerWeight*a.Pointer.Score + keystrokeWeight*a.Keystroke.Score + clickWeight*a.Click.Score
	a.BotScore = math.Round(model.ClampScore(score)*100) / 100

	switch {
	case a.BotScore <= lowCeiling:
		a.Level = model.RiskLow
	case a.BotScore <= mediumCeiling:
		a.Level = model.RiskMedium
	default:
		a.Level = model.RiskHigh
		a.RequiresAdditionalAuth = true
	}
	return a
}

// Factors emits a single bot_behavior factor for medium or high bot scores.
func (a Analysis) Factors() []model.RiskFactor {
	if a.Level == model.RiskLow {
		return nil
	}
	sev := model.SeverityMedium
	if a.Level == model.RiskHigh {
		sev = model.SeverityHigh
	}
	var reasons []string
	reasons = append(reasons, a.Pointer.Reasons...)
	reasons = append(reasons, a.Keystroke.Reasons...)
	reasons = append(reasons, a.Click.Reasons...)
	return []model.RiskFactor{{
		Kind:        model.FactorBotBehavior,
		Score:       a.BotScore,
		Severity:    sev,
		Description: "session telemetry looks automated",
		Source:      "behavior",
		Metadata: map[string]any{
			"pointer_score":            a.Pointer.Score,
			"keystroke_score":          a.Keystroke.Score,
			"click_score":              a.Click.Score,
			"reasons":                  reasons,
			"requires_additional_auth": a.RequiresAdditionalAuth,
		},
	}}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var acc float64
	for _, x := range xs {
		acc += (x - m) * (x - m)
	}
	return math.Sqrt(acc / float64(len(xs)))
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
