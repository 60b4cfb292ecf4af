package behavior

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

func humanPointer() []model.PointerSample {
	out := make([]model.PointerSample, 0, 30)
	for i := 0; i < 30; i++ {
		angle := float64(i) * 0.15
		out = append(out, model.PointerSample{
			X: 500 + 200*math.Cos(angle),
			Y: 400 + 200*math.Sin(angle),
			T: int64(i * 16),
		})
	}
	return out
}

func linearPointer() []model.PointerSample {
	out := make([]model.PointerSample, 0, 30)
	for i := 0; i < 30; i++ {
		out = append(out, model.PointerSample{X: float64(i * 10), Y: float64(i * 10), T: int64(i * 16)})
	}
	return out
}

func humanKeystrokes() []model.KeystrokeSample {
	gaps := []int64{0, 140, 95, 210, 180, 120, 260, 90, 175, 150}
	keys := []string{"j", "o", "h", "n", "Backspace", "n", "@", "m", "a", "i"}
	out := make([]model.KeystrokeSample, 0, len(gaps))
	var at int64
	for i, g := range gaps {
		at += g
		out = append(out, model.KeystrokeSample{Key: keys[i], DownAt: at, UpAt: at + 70})
	}
	return out
}

func scriptedKeystrokes() []model.KeystrokeSample {
	out := make([]model.KeystrokeSample, 0, 20)
	for i := 0; i < 20; i++ {
		at := int64(i * 10)
		out = append(out, model.KeystrokeSample{Key: "a", DownAt: at, UpAt: at + 2})
	}
	return out
}

func humanClicks() []model.ClickSample {
	return []model.ClickSample{{Page: "cart", DwellMs: 4200}, {Page: "shipping", DwellMs: 8100}, {Page: "payment", DwellMs: 2500}}
}

func scriptedClicks() []model.ClickSample {
	return []model.ClickSample{{Page: "cart", DwellMs: 100}, {Page: "shipping", DwellMs: 100}, {Page: "payment", DwellMs: 100}}
}

func TestAnalyzeHumanSession(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	a := e.Analyze(model.BehaviorTelemetry{
		Pointer:    humanPointer(),
		Keystrokes: humanKeystrokes(),
		Clicks:     humanClicks(),
	})
	assert.Equal(t, model.RiskLow, a.Level)
	assert.LessOrEqual(t, a.BotScore, 30.0)
	assert.False(t, a.Pointer.Robotic)
	assert.False(t, a.Keystroke.Robotic)
	assert.False(t, a.Click.Robotic)
	assert.Empty(t, a.Factors())
}

func TestAnalyzeScriptedSession(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	a := e.Analyze(model.BehaviorTelemetry{
		Pointer:    linearPointer(),
		Keystrokes: scriptedKeystrokes(),
		Clicks:     scriptedClicks(),
	})
	assert.InDelta(t, 88.75, a.BotScore, 0.001)
	assert.Equal(t, model.RiskHigh, a.Level)
	assert.True(t, a.RequiresAdditionalAuth)

	factors := a.Factors()
	require.Len(t, factors, 1)
	assert.Equal(t, model.FactorBotBehavior, factors[0].Kind)
	assert.Equal(t, model.SeverityHigh, factors[0].Severity)
}

func TestMissingTelemetry(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	a := e.Analyze(model.BehaviorTelemetry{})
	assert.True(t, a.Pointer.Absent)
	assert.Equal(t, 35.0, a.BotScore, "absent pointer is suspicious, other streams neutral")
	assert.Equal(t, model.RiskMedium, a.Level)
	assert.False(t, a.RequiresAdditionalAuth)
}

func TestSparsePointer(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	a := e.Analyze(model.BehaviorTelemetry{Pointer: humanPointer()[:5], Clicks: humanClicks()})
	assert.Equal(t, 70.0, a.Pointer.Score)
	assert.Contains(t, a.Pointer.Reasons, "pointer_sparse")
}

func TestTeleportingPointerIsTooFast(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	samples := humanPointer()
	for i := range samples {
		samples[i].X *= 40
		samples[i].Y *= 40
	}
	a := e.Analyze(model.BehaviorTelemetry{Pointer: samples})
	assert.True(t, a.Pointer.Robotic)
	assert.Contains(t, a.Pointer.Reasons, "pointer_too_fast")
}

func TestSingleLongClickIsHuman(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	a := e.Analyze(model.BehaviorTelemetry{Clicks: []model.ClickSample{{Page: "payment", DwellMs: 6000}}})
	assert.False(t, a.Click.Robotic)
}
