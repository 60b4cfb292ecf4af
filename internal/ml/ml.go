// Package ml adapts an opaque external fraud model into a risk factor.
// Which model version answers is decided by the ModelProvider, which in
// turn is driven by deployment tooling outside this service.
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

// ErrNoModel means no model version is currently active.
var ErrNoModel = errors.New("no active model")

// Scorer returns a fraud probability and the model's confidence, both in [0,1].
type Scorer interface {
	Predict(ctx context.Context, features map[string]float64) (score float64, confidence float64, err error)
	Version() string
}

type ModelProvider interface {
	Current() (Scorer, error)
}

// StaticProvider always serves the same scorer; a nil scorer means no model.
type StaticProvider struct {
	Scorer Scorer
}

func (p StaticProvider) Current() (Scorer, error) {
	if p.Scorer == nil {
		return nil, ErrNoModel
	}
	return p.Scorer, nil
}

// ScorerFunc adapts a function into a Scorer.
type ScorerFunc struct {
	Name string
	Fn   func(ctx context.Context, features map[string]float64) (float64, float64, error)
}

func (s ScorerFunc) Predict(ctx context.Context, features map[string]float64) (float64, float64, error) {
	return s.Fn(ctx, features)
}

func (s ScorerFunc) Version() string { return s.Name }

// Prediction is what the adapter learned from one model call. Factor is nil
// when the model was not confident or not alarmed enough to contribute.
type Prediction struct {
	Version    string
	Score      float64
	Confidence float64
	Factor     *model.RiskFactor
}

type Adapter struct {
	provider      ModelProvider
	timeout       time.Duration
	minConfidence float64
	minScore      float64
}

func NewAdapter(provider ModelProvider, timeout time.Duration, minConfidence float64) *Adapter {
	if timeout <= 0 {
		timeout = 40 * time.Millisecond
	}
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &Adapter{provider: provider, timeout: timeout, minConfidence: minConfidence, minScore: 0.3}
}

// WithProvider returns a copy scoring against another provider (A/B variants).
func (a *Adapter) WithProvider(p ModelProvider) *Adapter {
	cp := *a
	cp.provider = p
	return &cp
}

// Score returns ErrNoModel when nothing is deployed; any other error is a
// transient scorer failure.
func (a *Adapter) Score(ctx context.Context, tx *model.TransactionContext) (Prediction, error) {
	if a.provider == nil {
		return Prediction{}, ErrNoModel
	}
	scorer, err := a.provider.Current()
	if err != nil {
		return Prediction{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	score, conf, err := scorer.Predict(callCtx, Features(tx))
	if err != nil {
		return Prediction{}, apperrors.Transient("model prediction failed", err)
	}
	score = clampUnit("ml_score", score)
	conf = clampUnit("ml_confidence", conf)

	p := Prediction{Version: scorer.Version(), Score: score, Confidence: conf}
	if conf >= a.minConfidence && score >= a.minScore {
		p.Factor = &model.RiskFactor{
			Kind:        model.FactorML,
			Score:       model.ClampScore(math.Round(score * 100)),
			Severity:    severityFor(score),
			Description: fmt.Sprintf("model %s fraud probability %.2f", p.Version, score),
			Source:      "ml",
			Metadata: map[string]any{
				"model_version": p.Version,
				"probability":   score,
				"confidence":    conf,
			},
		}
	}
	return p, nil
}

func clampUnit(kind string, v float64) float64 {
	if math.IsNaN(v) || v < 0 || v > 1 {
		metrics.InvariantViolations.WithLabelValues(kind).Inc()
	}
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func severityFor(score float64) model.Severity {
	switch {
	case score >= 0.8:
		return model.SeverityHigh
	case score >= 0.5:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Features is the model input vector. Names are part of the model contract.
func Features(tx *model.TransactionContext) map[string]float64 {
	amount := tx.AmountFloat()
	at := tx.EvaluatedAt()
	f := map[string]float64{
		"amount":        amount,
		"log_amount":    math.Log1p(math.Max(amount, 0)),
		"hour_of_day":   float64(at.UTC().Hour()),
		"is_guest":      boolFloat(tx.IsGuest()),
		"has_shipping":  boolFloat(tx.Shipping != nil),
		"failed_logins": float64(tx.Account.FailedLogins),
		"cvv_failures":  float64(tx.Payment.CVVFailures),
		"is_prepaid":    boolFloat(strings.EqualFold(tx.Payment.Funding, "prepaid")),
	}
	if !tx.IsGuest() && !tx.Account.CreatedAt.IsZero() {
		f["account_age_days"] = math.Max(at.Sub(tx.Account.CreatedAt).Hours()/24, 0)
	} else {
		f["account_age_days"] = 0
	}
	cross := false
	if tx.Shipping != nil && tx.Shipping.Country != "" && tx.Billing.Country != "" {
		cross = !strings.EqualFold(tx.Shipping.Country, tx.Billing.Country)
	}
	if tx.Payment.IssuerCountry != "" && tx.Billing.Country != "" {
		cross = cross || !strings.EqualFold(tx.Payment.IssuerCountry, tx.Billing.Country)
	}
	f["cross_border"] = boolFloat(cross)
	return f
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
