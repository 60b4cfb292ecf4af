// Package device derives a stable device identifier from browser fingerprint
// attributes and scores how trustworthy that device looks.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

const (
	sentinelHashScore  = 30
	malformedHashScore = 15
	missingUAScore     = 25
	shortUAScore       = 15
	headlessUAScore    = 60
	hardwareScore      = 10

	minUALength = 20

	priorFraudPenalty = 50
)

var headlessPatterns = compilePatterns(
	`(?i)headless`,
	`(?i)phantomjs`,
	`(?i)selenium`,
	`(?i)webdriver`,
	`(?i)puppeteer`,
	`(?i)playwright`,
)

var (
	hexPattern        = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	resolutionPattern = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)
)

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// DeriveDeviceID hashes the seven fingerprint fields in fixed order into a
// 64-character hex id. Any single field change yields a different id.
func DeriveDeviceID(fp model.DeviceFingerprint) string {
	parts := []string{
		fp.CanvasHash,
		fp.WebGLHash,
		fp.AudioHash,
		strconv.Itoa(fp.CPUCores),
		fp.ScreenResolution,
		fp.Timezone,
		fp.Language,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type Issue struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// CheckConsistency flags sentinel or malformed fingerprint hashes, implausible
// hardware values and suspicious user agents. The returned risk is clamped to 100.
func CheckConsistency(fp model.DeviceFingerprint, userAgent string) ([]Issue, float64) {
	var issues []Issue

	hashes := []struct {
		name  string
		value string
	}{
		{"canvas", fp.CanvasHash},
		{"webgl", fp.WebGLHash},
		{"audio", fp.AudioHash},
	}
	for _, h := range hashes {
		switch {
		case isSentinel(h.value):
			issues = append(issues, Issue{
				Code:        h.name + "_sentinel",
				Description: fmt.Sprintf("%s fingerprint is a placeholder value", h.name),
				Score:       sentinelHashScore,
			})
		case !isWellFormedHash(h.value):
			issues = append(issues, Issue{
				Code:        h.name + "_malformed",
				Description: fmt.Sprintf("%s fingerprint has unexpected length or encoding", h.name),
				Score:       malformedHashScore,
			})
		}
	}

	if fp.CPUCores <= 0 || fp.CPUCores > 256 {
		issues = append(issues, Issue{Code: "cpu_cores", Description: "implausible hardware concurrency", Score: hardwareScore})
	}
	if !resolutionPattern.MatchString(strings.ToLower(strings.TrimSpace(fp.ScreenResolution))) {
		issues = append(issues, Issue{Code: "screen_resolution", Description: "malformed screen resolution", Score: hardwareScore})
	}

	ua := strings.TrimSpace(userAgent)
	switch {
	case ua == "":
		issues = append(issues, Issue{Code: "ua_missing", Description: "user agent missing", Score: missingUAScore})
	case len(ua) < minUALength:
		issues = append(issues, Issue{Code: "ua_short", Description: "user agent implausibly short", Score: shortUAScore})
	}
	for _, re := range headlessPatterns {
		if re.MatchString(ua) {
			issues = append(issues, Issue{Code: "ua_headless", Description: "headless or automation user agent", Score: headlessUAScore})
			break
		}
	}

	var risk float64
	for _, i := range issues {
		risk += i.Score
	}
	return issues, model.ClampScore(risk)
}

func isSentinel(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "", "0", "error", "undefined", "null", "none", "nan":
		return true
	}
	return strings.Trim(v, "0") == ""
}

func isWellFormedHash(v string) bool {
	v = strings.TrimSpace(v)
	if len(v) != 32 && len(v) != 64 {
		return false
	}
	return hexPattern.MatchString(v)
}

// Reputation is what the threat gateway knows about a device id.
type Reputation struct {
	PriorFraud  bool
	Blacklisted bool
}

type Assessment struct {
	DeviceID        string      `json:"device_id"`
	TrustScore      float64     `json:"trust_score"`
	ConsistencyRisk float64     `json:"consistency_risk"`
	Issues          []Issue     `json:"issues,omitempty"`
	Geo             GeoMismatch `json:"geo"`
	Penalty         float64     `json:"penalty"`
	Blacklisted     bool        `json:"blacklisted"`
}

// Assess combines consistency, geo mismatch and reputation into a trust score:
// 100 minus every risk, floored at 0, and exactly 0 for a blacklisted device.
func Assess(fp model.DeviceFingerprint, userAgent, geoipCountry string, rep Reputation) Assessment {
	issues, consistency := CheckConsistency(fp, userAgent)
	geo := CheckGeoMismatch(fp.Timezone, fp.Language, geoipCountry)

	a := Assessment{
		DeviceID:        DeriveDeviceID(fp),
		ConsistencyRisk: consistency,
		Issues:          issues,
		Geo:             geo,
		Blacklisted:     rep.Blacklisted,
	}
	if rep.PriorFraud {
		a.Penalty = priorFraudPenalty
	}
	a.TrustScore = 100 - consistency - geo.Score - a.Penalty
	if a.TrustScore < 0 {
		a.TrustScore = 0
	}
	if rep.Blacklisted {
		a.TrustScore = 0
	}
	return a
}

// Factors turns an assessment into risk factors; a clean device yields none.
func (a Assessment) Factors() []model.RiskFactor {
	var out []model.RiskFactor
	if a.Blacklisted {
		out = append(out, model.RiskFactor{
			Kind:        model.FactorDevice,
			Score:       100,
			Severity:    model.SeverityCritical,
			Description: "device is blacklisted",
			Source:      "device",
			Metadata:    map[string]any{"device_id": a.DeviceID},
		})
		return out
	}
	if a.ConsistencyRisk > 0 {
		codes := make([]string, 0, len(a.Issues))
		for _, i := range a.Issues {
			codes = append(codes, i.Code)
		}
		out = append(out, model.RiskFactor{
			Kind:        model.FactorDevice,
			Score:       a.ConsistencyRisk,
			Severity:    severityFor(a.ConsistencyRisk),
			Description: "device fingerprint inconsistencies",
			Source:      "device",
			Metadata:    map[string]any{"issues": codes, "trust_score": a.TrustScore},
		})
	}
	if a.Geo.Score > 0 {
		out = append(out, model.RiskFactor{
			Kind:        model.FactorGeoMismatch,
			Score:       a.Geo.Score,
			Severity:    severityFor(a.Geo.Score),
			Description: "timezone, language and ip location disagree",
			Source:      "device",
			Metadata: map[string]any{
				"timezone_country": a.Geo.TimezoneCountry,
				"language_country": a.Geo.LanguageCountry,
				"geoip_country":    a.Geo.GeoIPCountry,
				"reasons":          a.Geo.Reasons,
			},
		})
	}
	if a.Penalty > 0 {
		out = append(out, model.RiskFactor{
			Kind:        model.FactorDevice,
			Score:       a.Penalty,
			Severity:    model.SeverityHigh,
			Description: "device linked to prior fraud",
			Source:      "device",
			Metadata:    map[string]any{"device_id": a.DeviceID},
		})
	}
	return out
}

func severityFor(score float64) model.Severity {
	switch {
	case score >= 60:
		return model.SeverityHigh
	case score >= 30:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
