// Package network scores the connection a checkout arrived on: TOR exit,
// VPN, proxy and mismatch between IP location and billing country.
package network

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/cache"
	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

const cacheKind = "network"

// Policy holds the additive weights; the total is clamped to 100.
type Policy struct {
	Tor             float64
	VPN             float64
	Proxy           float64
	CountryMismatch float64
}

func DefaultPolicy() Policy {
	return Policy{Tor: 50, VPN: 30, Proxy: 20, CountryMismatch: 40}
}

// Well-known hosting and commercial VPN networks.
var defaultVPNASNs = []uint{
	9009,   // M247
	20473,  // Choopa / Vultr
	14061,  // DigitalOcean
	16276,  // OVH
	24940,  // Hetzner
	60068,  // Datacamp / CDN77
	212238, // Datacamp
	136787, // TEFINCOM (NordVPN)
	209854, // Surfshark
	396356, // Latitude.sh
	51167,  // Contabo
	63949,  // Akamai Linode
}

func DefaultVPNASNs() []uint {
	return append([]uint(nil), defaultVPNASNs...)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// ExitNodeChecker is satisfied by *ExitNodeSet.
type ExitNodeChecker interface {
	Contains(ip string) bool
	Ready() bool
}

type Options struct {
	Geo        GeoLocator
	ExitNodes  ExitNodeChecker
	Resolver   Resolver
	Cache      cache.Cache
	Policy     Policy
	VPNASNs    []uint
	DNSTimeout time.Duration
	CacheTTL   time.Duration
	// StrictHostnames matches whole reverse-DNS labels ("tor", "torexit*",
	// "torNN") instead of plain substrings, so "history" or "tornado" pass.
	StrictHostnames bool
}

type Engine struct {
	geo        GeoLocator
	exits      ExitNodeChecker
	resolver   Resolver
	cache      cache.Cache
	policy     Policy
	vpnASNs    map[uint]struct{}
	dnsTimeout time.Duration
	cacheTTL   time.Duration
	strictDNS  bool
}

func NewEngine(opts Options) *Engine {
	if opts.DNSTimeout <= 0 {
		opts.DNSTimeout = 30 * time.Millisecond
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.VPNASNs == nil {
		opts.VPNASNs = defaultVPNASNs
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	asns := make(map[uint]struct{}, len(opts.VPNASNs))
	for _, a := range opts.VPNASNs {
		asns[a] = struct{}{}
	}
	return &Engine{
		geo:        opts.Geo,
		exits:      opts.ExitNodes,
		resolver:   opts.Resolver,
		cache:      opts.Cache,
		policy:     opts.Policy,
		vpnASNs:    asns,
		dnsTimeout: opts.DNSTimeout,
		cacheTTL:   opts.CacheTTL,
		strictDNS:  opts.StrictHostnames,
	}
}

// Profile is the per-IP part of the analysis; it is what gets cached.
type Profile struct {
	IP         string   `json:"ip"`
	Geo        GeoInfo  `json:"geo"`
	IsTor      bool     `json:"is_tor"`
	IsVPN      bool     `json:"is_vpn"`
	IsProxy    bool     `json:"is_proxy"`
	ReverseDNS string   `json:"reverse_dns,omitempty"`
	Degraded   []string `json:"degraded,omitempty"`
}

type Analysis struct {
	Profile
	BillingCountry  string  `json:"billing_country,omitempty"`
	CountryMismatch bool    `json:"country_mismatch"`
	Score           float64 `json:"score"`
	Cached          bool    `json:"cached"`
}

// Analyze never fails on sub-lookup errors; they are listed in Degraded.
// Only an unparseable IP returns an error.
func (e *Engine) Analyze(ctx context.Context, ip string, billingCountry string) (Analysis, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Analysis{}, apperrors.NewInvalidRequest("invalid ip address: " + ip)
	}
	canonical := parsed.String()

	profile, cached := e.cachedProfile(ctx, canonical)
	if !cached {
		profile = e.buildProfile(ctx, parsed)
		if len(profile.Degraded) == 0 && e.cache != nil {
			if err := cache.SetJSON(ctx, e.cache, cache.Key(cacheKind, canonical), profile, e.cacheTTL); err != nil {
				logger.Debug("network cache write failed", "error", err)
			}
		}
	}

	a := Analysis{Profile: profile, Cached: cached, BillingCountry: strings.ToUpper(strings.TrimSpace(billingCountry))}
	if a.Geo.Country != "" && a.BillingCountry != "" && !strings.EqualFold(a.Geo.Country, a.BillingCountry) {
		a.CountryMismatch = true
	}
	a.Score = e.score(a)
	return a, nil
}

func (e *Engine) cachedProfile(ctx context.Context, ip string) (Profile, bool) {
	if e.cache == nil {
		return Profile{}, false
	}
	p, ok, err := cache.GetJSON[Profile](ctx, e.cache, cache.Key(cacheKind, ip))
	if err != nil {
		logger.Debug("network cache read failed", "error", err)
		return Profile{}, false
	}
	cache.RecordLookup(cacheKind, ok)
	return p, ok
}

func (e *Engine) buildProfile(ctx context.Context, ip net.IP) Profile {
	p := Profile{IP: ip.String()}

	if e.geo != nil {
		info, err := e.geo.Lookup(ip)
		if err != nil {
			p.Degraded = append(p.Degraded, "geoip")
		} else {
			p.Geo = info
		}
	} else {
		p.Degraded = append(p.Degraded, "geoip")
	}

	if e.exits != nil && e.exits.Ready() {
		p.IsTor = e.exits.Contains(p.IP)
	} else {
		p.Degraded = append(p.Degraded, "exit_nodes")
	}

	if _, ok := e.vpnASNs[p.Geo.ASN]; ok && p.Geo.ASN != 0 {
		p.IsVPN = true
	}

	if e.resolver != nil {
		dnsCtx, cancel := context.WithTimeout(ctx, e.dnsTimeout)
		names, err := e.resolver.LookupAddr(dnsCtx, p.IP)
		cancel()
		if err != nil {
			if !isNotFound(err) {
				p.Degraded = append(p.Degraded, "reverse_dns")
			}
		} else if len(names) > 0 {
			p.ReverseDNS = strings.TrimSuffix(strings.ToLower(names[0]), ".")
			vpn, proxy := classifyHostname(p.ReverseDNS, e.strictDNS)
			p.IsVPN = p.IsVPN || vpn
			p.IsProxy = p.IsProxy || proxy
		}
	}
	return p
}

// A missing PTR record is an answer, not a failure.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func (e *Engine) score(a Analysis) float64 {
	var s float64
	if a.IsTor {
		s += e.policy.Tor
	}
	if a.IsVPN {
		s += e.policy.VPN
	}
	if a.IsProxy {
		s += e.policy.Proxy
	}
	if a.CountryMismatch {
		s += e.policy.CountryMismatch
	}
	return model.ClampScore(s)
}

// classifyHostname looks for "vpn" (VPN) and "proxy", "relay" or "tor"
// (proxy) in a reverse-DNS name, case-insensitively. In strict mode only
// whole labels count, and TOR must be "tor", "torexit*" or "torNN".
func classifyHostname(host string, strict bool) (vpn, proxy bool) {
	host = strings.ToLower(host)
	if !strict {
		vpn = strings.Contains(host, "vpn")
		proxy = strings.Contains(host, "proxy") || strings.Contains(host, "relay") || strings.Contains(host, "tor")
		return vpn, proxy
	}
	tokens := strings.FieldsFunc(host, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, tok := range tokens {
		switch {
		case strings.Contains(tok, "vpn"):
			vpn = true
		case strings.Contains(tok, "proxy"), strings.Contains(tok, "relay"):
			proxy = true
		case tok == "tor", strings.HasPrefix(tok, "torexit"), isNumberedTor(tok):
			proxy = true
		}
	}
	return vpn, proxy
}

func isNumberedTor(tok string) bool {
	if !strings.HasPrefix(tok, "tor") || len(tok) == 3 {
		return false
	}
	for _, r := range tok[3:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Factors emits one network factor when the score is positive.
func (a Analysis) Factors() []model.RiskFactor {
	if a.Score <= 0 {
		return nil
	}
	var signals []string
	if a.IsTor {
		signals = append(signals, "tor")
	}
	if a.IsVPN {
		signals = append(signals, "vpn")
	}
	if a.IsProxy {
		signals = append(signals, "proxy")
	}
	if a.CountryMismatch {
		signals = append(signals, "country_mismatch")
	}
	return []model.RiskFactor{{
		Kind:        model.FactorNetwork,
		Score:       a.Score,
		Severity:    severityFor(a.Score),
		Description: "anonymised or out-of-region connection: " + strings.Join(signals, ", "),
		Source:      "network",
		Metadata: map[string]any{
			"ip":              a.IP,
			"geoip_country":   a.Geo.Country,
			"billing_country": a.BillingCountry,
			"asn":             a.Geo.ASN,
			"signals":         signals,
		},
	}}
}

func severityFor(score float64) model.Severity {
	switch {
	case score >= 70:
		return model.SeverityHigh
	case score >= 40:
		return model.SeverityMedium
	case score >= 20:
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}
