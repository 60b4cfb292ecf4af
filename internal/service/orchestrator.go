package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/GoPolymarket/fraudgate/internal/abtest"
	"github.com/GoPolymarket/fraudgate/internal/behavior"
	"github.com/GoPolymarket/fraudgate/internal/device"
	"github.com/GoPolymarket/fraudgate/internal/ml"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/network"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
	"github.com/GoPolymarket/fraudgate/internal/pkg/tracing"
	"github.com/GoPolymarket/fraudgate/internal/rules"
	"github.com/GoPolymarket/fraudgate/internal/scoring"
	"github.com/GoPolymarket/fraudgate/internal/threatintel"
)

const (
	StageNetwork  = "network"
	StageThreat   = "threat"
	StageDevice   = "device"
	StageBehavior = "behavior"
	StageRules    = "rules"
	StageML       = "ml"
)

type NetworkAnalyzer interface {
	Analyze(ctx context.Context, ip, billingCountry string) (network.Analysis, error)
}

// ThreatChecker never fails; unknown indicators come back as no threat.
type ThreatChecker interface {
	Check(ctx context.Context, kind model.IndicatorKind, value string) model.ThreatResult
}

type RuleEvaluator interface {
	Evaluate(ctx context.Context, tx *model.TransactionContext) ([]model.RuleMatch, error)
}

type ModelScorer interface {
	Score(ctx context.Context, tx *model.TransactionContext) (ml.Prediction, error)
}

// Variant is the rule set and model one experiment group evaluates with.
type Variant struct {
	Rules RuleEvaluator
	Model ModelScorer
}

// Engines are the signal sources. Any of them may be nil; a nil engine
// contributes nothing.
type Engines struct {
	Network    NetworkAnalyzer
	Threat     ThreatChecker
	Behavior   *behavior.Engine
	Rules      RuleEvaluator
	Model      ModelScorer
	Aggregator *scoring.Aggregator
}

type OrchestratorConfig struct {
	SLABudget  time.Duration
	Experiment abtest.Config
}

// Orchestrator fans a transaction out to every engine, aggregates what comes
// back and decides. It never returns an error: engine faults are logged and
// treated as no signal.
type Orchestrator struct {
	engines  Engines
	variantB *Variant
	cfg      OrchestratorConfig
	now      func() time.Time
}

func NewOrchestrator(engines Engines, cfg OrchestratorConfig) *Orchestrator {
	if engines.Aggregator == nil {
		engines.Aggregator = scoring.NewAggregator()
	}
	if engines.Behavior == nil {
		engines.Behavior = behavior.NewEngine(behavior.DefaultThresholds())
	}
	if cfg.SLABudget <= 0 {
		cfg.SLABudget = 100 * time.Millisecond
	}
	return &Orchestrator{engines: engines, cfg: cfg, now: time.Now}
}

// SetVariantB installs the group B rule set and model. Nil fields fall back
// to the group A engines.
func (o *Orchestrator) SetVariantB(v Variant) {
	o.variantB = &v
}

func (o *Orchestrator) variantFor(tx *model.TransactionContext) (abtest.Group, Variant) {
	base := Variant{Rules: o.engines.Rules, Model: o.engines.Model}
	if !o.cfg.Experiment.Enabled {
		return "", base
	}
	group := abtest.AssignGroup(o.cfg.Experiment, tx.TransactionID)
	if group == abtest.GroupB && o.variantB != nil {
		if o.variantB.Rules != nil {
			base.Rules = o.variantB.Rules
		}
		if o.variantB.Model != nil {
			base.Model = o.variantB.Model
		}
	}
	return group, base
}

// stageRecorder collects per-stage timing and failures from concurrent stages.
type stageRecorder struct {
	mu       sync.Mutex
	timings  map[string]float64
	degraded []string
}

func (r *stageRecorder) record(stage string, elapsed time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[stage] = float64(elapsed.Microseconds()) / 1000
	if failed {
		r.degraded = append(r.degraded, stage)
	}
}

func (r *stageRecorder) addDegraded(signal string) {
	r.mu.Lock()
	r.degraded = append(r.degraded, signal)
	r.mu.Unlock()
}

// runStage times fn inside its own span and converts panics and errors into
// a degraded signal.
func (o *Orchestrator) runStage(ctx context.Context, rec *stageRecorder, tx *model.TransactionContext, stage string, fn func(ctx context.Context) error) {
	ctx, span := tracing.StartSpan(ctx, "evaluate."+stage, tracing.Stage(stage), tracing.TransactionID(tx.TransactionID))
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		elapsed := time.Since(start)
		metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
		if err != nil {
			metrics.EngineFailures.WithLabelValues(stage).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("signal engine failed, continuing without it",
				"stage", stage, "transaction_id", tx.TransactionID, "error", err)
		}
		rec.record(stage, elapsed, err != nil)
		span.End()
	}()
	err = fn(ctx)
}

type stageResults struct {
	network     *network.Analysis
	threats     []model.ThreatResult
	deviceRep   device.Reputation
	device      *device.Assessment
	behavior    *behavior.Analysis
	ruleMatches []model.RuleMatch
	prediction  *ml.Prediction
}

func (o *Orchestrator) Evaluate(ctx context.Context, tx *model.TransactionContext) *model.EvaluationResult {
	start := o.now()
	ctx, span := tracing.StartSpan(ctx, "evaluate", tracing.TransactionID(tx.TransactionID))
	defer span.End()

	group, variant := o.variantFor(tx)
	deviceID := device.DeriveDeviceID(tx.Device)
	rec := &stageRecorder{timings: make(map[string]float64)}
	var out stageResults

	netDone := make(chan struct{})
	threatDone := make(chan struct{})

	// Stages report failures through rec, never through the group, so one
	// failing engine cannot cancel the others.
	var g errgroup.Group

	g.Go(func() error {
		defer close(netDone)
		if o.engines.Network == nil {
			return nil
		}
		o.runStage(ctx, rec, tx, StageNetwork, func(ctx context.Context) error {
			a, err := o.engines.Network.Analyze(ctx, tx.IP, tx.Billing.Country)
			if err != nil {
				return err
			}
			for _, sub := range a.Degraded {
				rec.addDegraded(StageNetwork + "." + sub)
			}
			out.network = &a
			return nil
		})
		return nil
	})

	g.Go(func() error {
		defer close(threatDone)
		if o.engines.Threat == nil {
			return nil
		}
		o.runStage(ctx, rec, tx, StageThreat, func(ctx context.Context) error {
			threats, rep, err := o.checkThreats(ctx, tx, deviceID)
			out.threats = threats
			out.deviceRep = rep
			return err
		})
		return nil
	})

	g.Go(func() error {
		<-netDone
		<-threatDone
		o.runStage(ctx, rec, tx, StageDevice, func(ctx context.Context) error {
			country := ""
			if out.network != nil {
				country = out.network.Geo.Country
			}
			a := device.Assess(tx.Device, tx.UserAgent, country, out.deviceRep)
			out.device = &a
			return nil
		})
		return nil
	})

	g.Go(func() error {
		o.runStage(ctx, rec, tx, StageBehavior, func(context.Context) error {
			a := o.engines.Behavior.Analyze(tx.Behavior)
			out.behavior = &a
			return nil
		})
		return nil
	})

	if variant.Rules != nil {
		g.Go(func() error {
			o.runStage(ctx, rec, tx, StageRules, func(ctx context.Context) error {
				matches, err := variant.Rules.Evaluate(ctx, tx)
				if err != nil {
					return err
				}
				out.ruleMatches = matches
				return nil
			})
			return nil
		})
	}

	if variant.Model != nil {
		g.Go(func() error {
			o.runStage(ctx, rec, tx, StageML, func(ctx context.Context) error {
				p, err := variant.Model.Score(ctx, tx)
				if errors.Is(err, ml.ErrNoModel) {
					return nil
				}
				if err != nil {
					return err
				}
				out.prediction = &p
				return nil
			})
			return nil
		})
	}

	_ = g.Wait()

	res := o.assemble(tx, out, rec, deviceID)
	if group != "" {
		res.ExperimentGroup = string(group)
	}
	o.finish(res, start)

	span.SetAttributes(tracing.Decision(string(res.Decision)), tracing.Score(res.RiskScore))
	return res
}

// checkThreats looks up every indicator the transaction carries. The device
// verdict feeds the device engine instead of becoming a factor of its own.
// A failed lookup leaves the others intact.
func (o *Orchestrator) checkThreats(ctx context.Context, tx *model.TransactionContext, deviceID string) ([]model.ThreatResult, device.Reputation, error) {
	type lookup struct {
		kind  model.IndicatorKind
		value string
	}
	lookups := []lookup{
		{model.IndicatorIP, tx.IP},
		{model.IndicatorEmail, tx.Email},
		{model.IndicatorEmailDomain, tx.EmailDomain()},
		{model.IndicatorCardBIN, tx.Payment.CardBIN()},
		{model.IndicatorDevice, deviceID},
	}
	if tx.Shipping != nil {
		lookups = append(lookups, lookup{model.IndicatorShippingAddress, tx.Shipping.Key()})
	}

	results := make([]model.ThreatResult, len(lookups))
	errs := make([]error, len(lookups))
	var wg sync.WaitGroup
	for i, l := range lookups {
		results[i] = model.NoThreat(l.kind, l.value)
		if l.value == "" {
			continue
		}
		wg.Add(1)
		go func(i int, l lookup) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("%s lookup panic: %v", l.kind, r)
				}
			}()
			results[i] = o.engines.Threat.Check(ctx, l.kind, l.value)
		}(i, l)
	}
	wg.Wait()

	var rep device.Reputation
	threats := make([]model.ThreatResult, 0, len(results))
	for _, r := range results {
		if r.Kind == model.IndicatorDevice {
			switch {
			case r.IsThreat && r.Level == model.ThreatHigh:
				rep.Blacklisted = true
			case r.IsThreat:
				rep.PriorFraud = true
			}
			continue
		}
		threats = append(threats, r)
	}
	return threats, rep, errors.Join(errs...)
}

func (o *Orchestrator) assemble(tx *model.TransactionContext, out stageResults, rec *stageRecorder, deviceID string) *model.EvaluationResult {
	res := &model.EvaluationResult{
		EvaluationID:  uuid.NewString(),
		TransactionID: tx.TransactionID,
		DeviceID:      deviceID,
		RuleMatches:   out.ruleMatches,
		EvaluatedAt:   o.now().UTC(),
	}

	// fixed order keeps the factor list stable across runs
	var factors []model.RiskFactor
	if out.network != nil {
		factors = append(factors, out.network.Factors()...)
	}
	for _, t := range out.threats {
		if f, ok := threatintel.Factor(t); ok {
			factors = append(factors, f)
		}
	}
	if out.device != nil {
		factors = append(factors, out.device.Factors()...)
	}
	if out.behavior != nil {
		factors = append(factors, out.behavior.Factors()...)
	}
	factors = append(factors, rules.Factors(out.ruleMatches)...)
	if out.prediction != nil {
		res.ModelVersion = out.prediction.Version
		if out.prediction.Factor != nil {
			factors = append(factors, *out.prediction.Factor)
		}
	}
	for i := range factors {
		factors[i].Score = model.ClampScore(factors[i].Score)
	}

	if len(factors) == 0 {
		factors = []model.RiskFactor{{
			Kind:        model.FactorNormal,
			Score:       0,
			Severity:    model.SeverityInfo,
			Description: "no risk signals detected",
			Source:      "orchestrator",
		}}
	}
	res.Factors = factors

	agg := o.engines.Aggregator.Aggregate(factors)
	res.RiskScore = agg.Total
	res.RiskLevel = agg.Level
	res.Decision = Decide(res.RiskLevel, rules.HasBlock(out.ruleMatches))
	res.RecommendedAction = recommendedAction(res.Decision)
	if res.RiskLevel == model.RiskMedium {
		res.AuthMethodHint = authMethodHint(tx)
	}
	res.ManualReview = res.RiskLevel == model.RiskHigh

	rec.mu.Lock()
	res.Timing.Stages = rec.timings
	if len(rec.degraded) > 0 {
		res.DegradedSignals = append([]string(nil), rec.degraded...)
		sort.Strings(res.DegradedSignals)
		res.Degraded = true
	}
	rec.mu.Unlock()
	return res
}

func (o *Orchestrator) finish(res *model.EvaluationResult, start time.Time) {
	elapsed := o.now().Sub(start)
	res.Timing.TotalMs = float64(elapsed.Microseconds()) / 1000
	if elapsed > o.cfg.SLABudget {
		res.SLAExceeded = true
		metrics.SLAViolations.Inc()
		logger.Warn("evaluation exceeded latency budget",
			"transaction_id", res.TransactionID,
			"elapsed_ms", res.Timing.TotalMs,
			"budget_ms", o.cfg.SLABudget.Milliseconds(),
			"stages_ms", res.Timing.Stages)
	}
}

// Decide: blocked on high risk or any block-tier match, step-up auth on
// medium, approve otherwise.
func Decide(level model.RiskLevel, blockMatch bool) model.Decision {
	switch {
	case blockMatch || level == model.RiskHigh:
		return model.DecisionBlocked
	case level == model.RiskMedium:
		return model.DecisionAdditionalAuthRequired
	default:
		return model.DecisionApprove
	}
}

func recommendedAction(d model.Decision) string {
	switch d {
	case model.DecisionBlocked:
		return "Decline the payment and route the order to manual review"
	case model.DecisionAdditionalAuthRequired:
		return "Require step-up authentication before capturing payment"
	default:
		return "Proceed with payment"
	}
}

func authMethodHint(tx *model.TransactionContext) string {
	if tx.Payment.IsCard() {
		return "3ds"
	}
	return "otp"
}
