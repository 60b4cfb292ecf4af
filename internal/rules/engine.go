package rules

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/GoPolymarket/fraudgate/internal/device"
	"github.com/GoPolymarket/fraudgate/internal/manager"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

type Engine struct {
	registry *Registry
	catalog  CatalogProvider
	velocity *manager.VelocityLimiter
}

func NewEngine(registry *Registry, catalog CatalogProvider, velocity *manager.VelocityLimiter) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Engine{registry: registry, catalog: catalog, velocity: velocity}
}

// WithCatalog returns an engine sharing registry and counters but reading a
// different catalog (A/B variants).
func (e *Engine) WithCatalog(catalog CatalogProvider) *Engine {
	cp := *e
	cp.catalog = catalog
	return &cp
}

func (e *Engine) Catalog() CatalogProvider {
	return e.catalog
}

// Evaluate runs every active rule and returns the union of matches. The
// error is non-nil only when the catalog itself is unavailable; individual
// rule faults are logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, tx *model.TransactionContext) ([]model.RuleMatch, error) {
	if e.catalog == nil {
		return nil, nil
	}
	defs, err := e.catalog.Current(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]model.RuleDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Active {
			active = append(active, d)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].ID < active[j].ID
	})

	deviceID := device.DeriveDeviceID(tx.Device)
	var matches []model.RuleMatch
	for _, d := range active {
		if d.Category == model.CategoryShipping && tx.Shipping == nil {
			continue
		}
		rule, ok := e.registry.Get(d.ID)
		if !ok {
			logger.Debug("rule in catalog has no implementation", "rule", d.ID)
			continue
		}
		in := Input{Tx: tx, Params: d.Params, DeviceID: deviceID, Velocity: e.velocity}
		out, err := runRule(ctx, rule, in)
		if err != nil {
			metrics.RuleFaults.WithLabelValues(d.ID).Inc()
			logger.Warn("rule evaluation failed, skipping", "rule", d.ID, "transaction_id", tx.TransactionID, "error", err)
			continue
		}
		if !out.Matched {
			continue
		}
		m := buildMatch(d, rule, out)
		metrics.RuleMatches.WithLabelValues(m.RuleID, string(m.Tier)).Inc()
		matches = append(matches, m)
	}
	return matches, nil
}

// runRule converts a panic into an error.
func runRule(ctx context.Context, rule Rule, in Input) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.ID(), r)
		}
	}()
	return rule.Evaluate(ctx, in)
}

func defaultScore(tier model.RuleTier) float64 {
	switch tier {
	case model.TierBlock:
		return 95
	case model.TierManualReview:
		return 60
	default:
		return 40
	}
}

func buildMatch(d model.RuleDefinition, rule Rule, out Outcome) model.RuleMatch {
	tier := d.Tier
	if tier == "" {
		tier = model.TierWarning
	}
	category := d.Category
	if category == "" {
		category = rule.Category()
	}
	weight := d.Weight
	if weight <= 0 || math.IsNaN(weight) {
		weight = 1
	}
	score := model.ClampScore(d.Params.Float("score", defaultScore(tier)) * weight)
	return model.RuleMatch{
		RuleID:   d.ID,
		Category: category,
		Tier:     tier,
		Score:    score,
		Reason:   out.Reason,
		Metadata: out.Metadata,
	}
}

// Factors turns rule matches into risk factors, one per match.
func Factors(matches []model.RuleMatch) []model.RiskFactor {
	out := make([]model.RiskFactor, 0, len(matches))
	for _, m := range matches {
		meta := map[string]any{"rule_id": m.RuleID, "category": string(m.Category), "tier": string(m.Tier)}
		for k, v := range m.Metadata {
			meta[k] = v
		}
		out = append(out, model.RiskFactor{
			Kind:        model.FactorRule,
			Score:       m.Score,
			Severity:    m.Tier.Severity(),
			Description: m.Reason,
			Source:      m.RuleID,
			Metadata:    meta,
		})
	}
	return out
}

// HasBlock reports whether any match is block tier.
func HasBlock(matches []model.RuleMatch) bool {
	for _, m := range matches {
		if m.Tier == model.TierBlock {
			return true
		}
	}
	return false
}
