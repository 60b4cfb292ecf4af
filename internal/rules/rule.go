// Package rules evaluates the configurable checkout rule catalog.
//
// Each rule is an independent object registered under a stable id. The
// catalog (RuleDefinition rows) decides which rules run, in what order, with
// what weight and thresholds; rule code only supplies the predicate.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GoPolymarket/fraudgate/internal/manager"
	"github.com/GoPolymarket/fraudgate/internal/model"
)

// Input is everything a rule may read. Tx must not be modified.
type Input struct {
	Tx       *model.TransactionContext
	Params   model.RuleParams
	DeviceID string
	Velocity *manager.VelocityLimiter
}

// Outcome is a rule's verdict. A non-matching rule returns the zero value.
type Outcome struct {
	Matched  bool
	Reason   string
	Metadata map[string]any
}

func hit(reason string, meta map[string]any) Outcome {
	return Outcome{Matched: true, Reason: reason, Metadata: meta}
}

type Rule interface {
	ID() string
	Category() model.RuleCategory
	Evaluate(ctx context.Context, in Input) (Outcome, error)
}

type ruleFunc struct {
	id       string
	category model.RuleCategory
	fn       func(ctx context.Context, in Input) (Outcome, error)
}

func (r ruleFunc) ID() string                   { return r.id }
func (r ruleFunc) Category() model.RuleCategory { return r.category }
func (r ruleFunc) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	return r.fn(ctx, in)
}

// NewRule wraps a predicate function as a Rule.
func NewRule(id string, category model.RuleCategory, fn func(ctx context.Context, in Input) (Outcome, error)) Rule {
	return ruleFunc{id: id, category: category, fn: fn}
}

// Registry maps rule ids to implementations.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// DefaultRegistry holds every built-in payment, account and shipping rule.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range paymentRules() {
		r.MustRegister(rule)
	}
	for _, rule := range accountRules() {
		r.MustRegister(rule)
	}
	for _, rule := range shippingRules() {
		r.MustRegister(rule)
	}
	return r
}

func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.ID()]; exists {
		return fmt.Errorf("rule %q already registered", rule.ID())
	}
	r.rules[rule.ID()] = rule
	return nil
}

func (r *Registry) MustRegister(rule Rule) {
	if err := r.Register(rule); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rules))
	for id := range r.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
