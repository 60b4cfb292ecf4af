// Package threatintel answers "is this indicator known bad?" for IPs,
// emails, devices and other checkout identifiers.
//
// Lookup order is cache, local blacklist, then the external reputation API
// (IP only). Every failure is treated as "no information".
package threatintel

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/cache"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

const cacheKind = "threat"

// BlacklistStore is the local, admin-editable list of known bad indicators.
// Get returns (nil, nil) when the indicator is not listed.
type BlacklistStore interface {
	Get(ctx context.Context, kind model.IndicatorKind, value string) (*model.BlacklistEntry, error)
	Add(ctx context.Context, entry *model.BlacklistEntry) error
	Remove(ctx context.Context, kind model.IndicatorKind, value string) error
}

// ReputationChecker queries an external IP reputation service.
type ReputationChecker interface {
	CheckIP(ctx context.Context, ip string) (*Reputation, error)
}

type TTLs struct {
	Malicious  time.Duration
	Suspicious time.Duration
	Clean      time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Malicious:  7 * 24 * time.Hour,
		Suspicious: 12 * time.Hour,
		Clean:      24 * time.Hour,
	}
}

type Gateway struct {
	cache      cache.Cache
	blacklist  BlacklistStore
	reputation ReputationChecker
	ttl        TTLs
	timeout    time.Duration
	now        func() time.Time

	persistTimeout time.Duration
	pending        sync.WaitGroup
}

type Options struct {
	Cache      cache.Cache
	Blacklist  BlacklistStore
	Reputation ReputationChecker
	TTLs       TTLs
	// Timeout bounds the external call; zero means 80ms.
	Timeout time.Duration
}

func NewGateway(opts Options) *Gateway {
	def := DefaultTTLs()
	if opts.TTLs.Malicious <= 0 {
		opts.TTLs.Malicious = def.Malicious
	}
	if opts.TTLs.Suspicious <= 0 {
		opts.TTLs.Suspicious = def.Suspicious
	}
	if opts.TTLs.Clean <= 0 {
		opts.TTLs.Clean = def.Clean
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 80 * time.Millisecond
	}
	return &Gateway{
		cache:          opts.Cache,
		blacklist:      opts.Blacklist,
		reputation:     opts.Reputation,
		ttl:            opts.TTLs,
		timeout:        opts.Timeout,
		now:            time.Now,
		persistTimeout: 2 * time.Second,
	}
}

// Normalize canonicalises an indicator value so cache keys and blacklist
// rows agree regardless of input casing or IP notation.
func Normalize(kind model.IndicatorKind, value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if kind == model.IndicatorIP {
		if ip := net.ParseIP(v); ip != nil {
			return ip.String()
		}
	}
	return v
}

func cacheKey(kind model.IndicatorKind, value string) string {
	return cache.Key(cacheKind, string(kind), value)
}

// Check never returns an error; an indicator that cannot be checked is
// reported as no threat.
func (g *Gateway) Check(ctx context.Context, kind model.IndicatorKind, value string) model.ThreatResult {
	value = Normalize(kind, value)
	if !kind.Valid() || value == "" {
		return model.NoThreat(kind, value)
	}

	if res, ok := g.fromCache(ctx, kind, value); ok {
		return res
	}

	res, listed, err := g.fromBlacklist(ctx, kind, value)
	if listed {
		g.store(ctx, res)
		return res
	}
	// with the blacklist unreachable nothing is cached, so a listed
	// indicator is caught again once the store recovers
	blacklistDown := err != nil

	if kind != model.IndicatorIP || g.reputation == nil {
		clean := model.NoThreat(kind, value)
		clean.CheckedAt = g.now().UTC()
		if !blacklistDown {
			g.store(ctx, clean)
		}
		return clean
	}

	res, err = g.fromExternal(ctx, value)
	if err != nil {
		// not cached, so the next evaluation retries
		logger.Debug("threat reputation unavailable", "kind", kind, "error", err)
		return model.NoThreat(kind, value)
	}
	if !blacklistDown {
		g.store(ctx, res)
	}
	if res.Level == model.ThreatHigh {
		g.persistAsync(ctx, res)
	}
	return res
}

func (g *Gateway) fromCache(ctx context.Context, kind model.IndicatorKind, value string) (model.ThreatResult, bool) {
	if g.cache == nil {
		return model.ThreatResult{}, false
	}
	res, ok, err := cache.GetJSON[model.ThreatResult](ctx, g.cache, cacheKey(kind, value))
	if err != nil {
		logger.Debug("threat cache read failed", "error", err)
		return model.ThreatResult{}, false
	}
	cache.RecordLookup(cacheKind, ok)
	if ok {
		res.Source = model.ThreatSourceCache
	}
	return res, ok
}

func (g *Gateway) fromBlacklist(ctx context.Context, kind model.IndicatorKind, value string) (model.ThreatResult, bool, error) {
	if g.blacklist == nil {
		return model.ThreatResult{}, false, nil
	}
	entry, err := g.blacklist.Get(ctx, kind, value)
	if err != nil {
		logger.Warn("blacklist lookup failed", "kind", kind, "error", err)
		return model.ThreatResult{}, false, err
	}
	if entry == nil {
		return model.ThreatResult{}, false, nil
	}
	level := entry.Level
	if level == "" || level == model.ThreatNone {
		level = model.ThreatHigh
	}
	desc := "listed in local blacklist"
	if entry.Reason != "" {
		desc += ": " + entry.Reason
	}
	return model.ThreatResult{
		Kind:        kind,
		Value:       value,
		IsThreat:    true,
		Level:       level,
		Source:      model.ThreatSourceBlacklist,
		Confidence:  1,
		Description: desc,
		CheckedAt:   g.now().UTC(),
	}, true, nil
}

func (g *Gateway) fromExternal(ctx context.Context, ip string) (model.ThreatResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rep, err := g.reputation.CheckIP(callCtx, ip)
	if err != nil {
		return model.ThreatResult{}, apperrors.Transient("reputation lookup failed", err)
	}
	level := LevelForConfidence(rep.AbuseConfidence)
	res := model.ThreatResult{
		Kind:       model.IndicatorIP,
		Value:      ip,
		IsThreat:   level != model.ThreatNone,
		Level:      level,
		Source:     model.ThreatSourceExternal,
		Confidence: rep.AbuseConfidence / 100,
		CheckedAt:  g.now().UTC(),
	}
	if res.IsThreat {
		res.Description = rep.Summary()
	}
	return res, nil
}

// LevelForConfidence maps an abuse confidence percentage to a threat level.
func LevelForConfidence(c float64) model.ThreatLevel {
	switch {
	case c >= 75:
		return model.ThreatHigh
	case c >= 25:
		return model.ThreatMedium
	default:
		return model.ThreatNone
	}
}

func (g *Gateway) ttlFor(level model.ThreatLevel) time.Duration {
	switch level {
	case model.ThreatHigh:
		return g.ttl.Malicious
	case model.ThreatMedium, model.ThreatLow:
		return g.ttl.Suspicious
	default:
		return g.ttl.Clean
	}
}

func (g *Gateway) store(ctx context.Context, res model.ThreatResult) {
	if g.cache == nil {
		return
	}
	if err := cache.SetJSON(ctx, g.cache, cacheKey(res.Kind, res.Value), res, g.ttlFor(res.Level)); err != nil {
		logger.Debug("threat cache write failed", "error", err)
	}
}

// persistAsync records a newly confirmed external threat in the blacklist
// off the request path. The write is bounded by persistTimeout and survives
// cancellation of the request.
func (g *Gateway) persistAsync(ctx context.Context, res model.ThreatResult) {
	if g.blacklist == nil {
		return
	}
	entry := &model.BlacklistEntry{
		Kind:      res.Kind,
		Value:     res.Value,
		Level:     res.Level,
		Source:    model.ThreatSourceExternal,
		Reason:    res.Description,
		CreatedAt: g.now().UTC(),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.persistTimeout)
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		defer cancel()
		if err := g.blacklist.Add(pctx, entry); err != nil {
			logger.Warn("persist external threat failed", "kind", res.Kind, "error", err)
		}
	}()
}

// Wait blocks until background blacklist writes have finished.
func (g *Gateway) Wait() {
	g.pending.Wait()
}

// Invalidate drops the cached verdict for one indicator.
func (g *Gateway) Invalidate(ctx context.Context, kind model.IndicatorKind, value string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Delete(ctx, cacheKey(kind, Normalize(kind, value)))
}

func (g *Gateway) AddToBlacklist(ctx context.Context, entry *model.BlacklistEntry) error {
	if g.blacklist == nil {
		return apperrors.Configuration("blacklist store not configured", nil)
	}
	if !entry.Kind.Valid() {
		return apperrors.NewInvalidRequest("unknown indicator kind: " + string(entry.Kind))
	}
	entry.Value = Normalize(entry.Kind, entry.Value)
	if entry.Value == "" {
		return apperrors.NewInvalidRequest("indicator value is required")
	}
	if entry.Level == "" || entry.Level == model.ThreatNone {
		entry.Level = model.ThreatHigh
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = g.now().UTC()
	}
	if err := g.blacklist.Add(ctx, entry); err != nil {
		return err
	}
	return g.Invalidate(ctx, entry.Kind, entry.Value)
}

func (g *Gateway) RemoveFromBlacklist(ctx context.Context, kind model.IndicatorKind, value string) error {
	if g.blacklist == nil {
		return apperrors.Configuration("blacklist store not configured", nil)
	}
	if !kind.Valid() {
		return apperrors.NewInvalidRequest("unknown indicator kind: " + string(kind))
	}
	value = Normalize(kind, value)
	if err := g.blacklist.Remove(ctx, kind, value); err != nil {
		return err
	}
	return g.Invalidate(ctx, kind, value)
}

// Factor converts a threat verdict into a risk factor. ok is false when the
// verdict carries no threat.
func Factor(res model.ThreatResult) (model.RiskFactor, bool) {
	if !res.IsThreat {
		return model.RiskFactor{}, false
	}
	var sev model.Severity
	var score float64
	switch res.Level {
	case model.ThreatHigh:
		sev, score = model.SeverityCritical, 95
	case model.ThreatMedium:
		sev, score = model.SeverityHigh, 60
	case model.ThreatLow:
		sev, score = model.SeverityLow, 30
	default:
		return model.RiskFactor{}, false
	}
	return model.RiskFactor{
		Kind:        model.FactorThreatIntel,
		Score:       score,
		Severity:    sev,
		Description: describe(res),
		Source:      "threat_intel",
		Metadata: map[string]any{
			"indicator":  string(res.Kind),
			"level":      string(res.Level),
			"source":     res.Source,
			"confidence": res.Confidence,
		},
	}, true
}

func describe(res model.ThreatResult) string {
	if res.Description != "" {
		return string(res.Kind) + " flagged: " + res.Description
	}
	return string(res.Kind) + " flagged as " + string(res.Level) + " threat"
}

// MemoryBlacklist is a process-local BlacklistStore.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]model.BlacklistEntry
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]model.BlacklistEntry)}
}

func blacklistKey(kind model.IndicatorKind, value string) string {
	return string(kind) + ":" + value
}

func (m *MemoryBlacklist) Get(_ context.Context, kind model.IndicatorKind, value string) (*model.BlacklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[blacklistKey(kind, value)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryBlacklist) Add(_ context.Context, entry *model.BlacklistEntry) error {
	m.mu.Lock()
	m.entries[blacklistKey(entry.Kind, entry.Value)] = *entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryBlacklist) Remove(_ context.Context, kind model.IndicatorKind, value string) error {
	m.mu.Lock()
	delete(m.entries, blacklistKey(kind, value))
	m.mu.Unlock()
	return nil
}

// List returns a snapshot of all entries.
func (m *MemoryBlacklist) List() []model.BlacklistEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.BlacklistEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}
