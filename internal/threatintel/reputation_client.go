package threatintel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

// ErrQuotaExhausted is returned without a network call when the local
// token bucket is empty.
var ErrQuotaExhausted = errors.New("reputation api quota exhausted")

// Reputation is the subset of an AbuseIPDB-style check response we use.
type Reputation struct {
	IP              string  `json:"ipAddress"`
	AbuseConfidence float64 `json:"abuseConfidenceScore"`
	TotalReports    int     `json:"totalReports"`
	CountryCode     string  `json:"countryCode"`
	UsageType       string  `json:"usageType"`
	ISP             string  `json:"isp"`
	IsTor           bool    `json:"isTor"`
}

func (r *Reputation) Summary() string {
	parts := []string{fmt.Sprintf("abuse confidence %.0f%%", r.AbuseConfidence)}
	if r.TotalReports > 0 {
		parts = append(parts, fmt.Sprintf("%d reports", r.TotalReports))
	}
	if r.UsageType != "" {
		parts = append(parts, strings.ToLower(r.UsageType))
	}
	if r.IsTor {
		parts = append(parts, "tor")
	}
	return strings.Join(parts, ", ")
}

type ReputationClient struct {
	baseURL    string
	apiKey     string
	maxAgeDays int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewReputationClient builds a client; rps <= 0 disables the local quota.
func NewReputationClient(baseURL, apiKey string, timeout time.Duration, rps float64) *ReputationClient {
	if timeout <= 0 {
		timeout = 80 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &ReputationClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		maxAgeDays: 90,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

func (c *ReputationClient) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	if !c.limiter.Allow() {
		metrics.ThreatAPICalls.WithLabelValues("throttled").Inc()
		return nil, ErrQuotaExhausted
	}

	q := url.Values{}
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", fmt.Sprint(c.maxAgeDays))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/check?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ThreatAPICalls.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ThreatAPICalls.WithLabelValues("error").Inc()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("reputation api status %d", resp.StatusCode)
	}

	var body struct {
		Data Reputation `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		metrics.ThreatAPICalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode reputation response: %w", err)
	}
	metrics.ThreatAPICalls.WithLabelValues("ok").Inc()
	if body.Data.IP == "" {
		body.Data.IP = ip
	}
	return &body.Data, nil
}
