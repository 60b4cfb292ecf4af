package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

// HTTPModelProvider talks to a model server that exposes the active version
// of a named model. The active version is polled so canary and rollback
// decisions made by the serving platform take effect without a restart.
type HTTPModelProvider struct {
	endpoint string
	name     string
	client   *http.Client
	current  atomic.Pointer[httpScorer]
}

func NewHTTPModelProvider(endpoint, name string, timeout time.Duration) *HTTPModelProvider {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPModelProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		name:     name,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPModelProvider) Current() (Scorer, error) {
	s := p.current.Load()
	if s == nil {
		return nil, ErrNoModel
	}
	return s, nil
}

// Refresh reads the active version. An empty version clears the model.
func (p *HTTPModelProvider) Refresh(ctx context.Context) error {
	u := fmt.Sprintf("%s/models/%s/current", p.endpoint, url.PathEscape(p.name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch active model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		p.current.Store(nil)
		return ErrNoModel
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch active model: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return fmt.Errorf("decode active model: %w", err)
	}
	if body.Version == "" {
		p.current.Store(nil)
		return ErrNoModel
	}
	if cur := p.current.Load(); cur == nil || cur.version != body.Version {
		logger.Info("Active model changed", "model", p.name, "version", body.Version)
	}
	p.current.Store(&httpScorer{provider: p, version: body.Version})
	return nil
}

// Start refreshes immediately, then every interval until ctx is done. A
// failed refresh keeps the last known version.
func (p *HTTPModelProvider) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		if err := p.Refresh(ctx); err != nil {
			logger.Warn("Model refresh failed", "model", p.name, "error", err)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil {
					logger.Warn("Model refresh failed", "model", p.name, "error", err)
				}
			}
		}
	}()
}

type httpScorer struct {
	provider *HTTPModelProvider
	version  string
}

func (s *httpScorer) Version() string { return s.version }

func (s *httpScorer) Predict(ctx context.Context, features map[string]float64) (float64, float64, error) {
	p := s.provider
	payload, err := json.Marshal(map[string]any{"features": features})
	if err != nil {
		return 0, 0, err
	}
	u := fmt.Sprintf("%s/models/%s/versions/%s:predict", p.endpoint, url.PathEscape(p.name), url.PathEscape(s.version))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("predict: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Score      float64 `json:"score"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("decode prediction: %w", err)
	}
	return out.Score, out.Confidence, nil
}
