package network

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
)

const (
	RefreshBaseDelay = 30 * time.Second
	maxListBytes     = 8 << 20
)

type exitSnapshot struct {
	ips       map[string]struct{}
	fetchedAt time.Time
}

// ExitNodeSet is the in-memory TOR exit list. Readers never block; a failed
// refresh keeps serving the previous snapshot.
type ExitNodeSet struct {
	url      string
	client   *http.Client
	interval time.Duration
	current  atomic.Pointer[exitSnapshot]
}

func NewExitNodeSet(url string, interval time.Duration, client *http.Client) *ExitNodeSet {
	if interval <= 0 {
		interval = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ExitNodeSet{url: url, client: client, interval: interval}
}

// Ready reports whether at least one list has been loaded.
func (s *ExitNodeSet) Ready() bool {
	return s.current.Load() != nil
}

func (s *ExitNodeSet) Contains(ip string) bool {
	snap := s.current.Load()
	if snap == nil {
		return false
	}
	_, ok := snap.ips[ip]
	return ok
}

func (s *ExitNodeSet) Size() int {
	snap := s.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.ips)
}

func (s *ExitNodeSet) LastRefreshed() time.Time {
	snap := s.current.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.fetchedAt
}

// Replace swaps in a new list directly.
func (s *ExitNodeSet) Replace(ips []string) {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
			set[parsed.String()] = struct{}{}
		}
	}
	s.current.Store(&exitSnapshot{ips: set, fetchedAt: time.Now().UTC()})
}

// Refresh downloads the list (one IP per line, '#' comments). An empty or
// failed download leaves the current snapshot untouched.
func (s *ExitNodeSet) Refresh(ctx context.Context) error {
	if s.url == "" {
		return fmt.Errorf("exit node url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch exit nodes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch exit nodes: unexpected status %d", resp.StatusCode)
	}

	var ips []string
	scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxListBytes))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// some mirrors use "ExitAddress <ip> <date>"
		if fields := strings.Fields(line); len(fields) > 1 && fields[0] == "ExitAddress" {
			line = fields[1]
		}
		if net.ParseIP(line) != nil {
			ips = append(ips, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read exit nodes: %w", err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("exit node list empty")
	}
	s.Replace(ips)
	return nil
}

// Start refreshes immediately, then every interval until ctx is done.
// Failures retry with exponential backoff capped at the interval.
func (s *ExitNodeSet) Start(ctx context.Context) {
	go s.runLoop(ctx)
}

func (s *ExitNodeSet) runLoop(ctx context.Context) {
	delay := RefreshBaseDelay
	for {
		wait := s.interval
		if err := s.Refresh(ctx); err != nil {
			logger.Warn("Exit node refresh failed, keeping previous list",
				"error", err, "size", s.Size(), "retry_in", delay)
			wait = delay
			delay *= 2
			if delay > s.interval {
				delay = s.interval
			}
		} else {
			delay = RefreshBaseDelay
			logger.Info("Exit node list refreshed", "size", s.Size())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
