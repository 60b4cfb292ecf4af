package threatintel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/cache"
	"github.com/GoPolymarket/fraudgate/internal/model"
)

type stubReputation struct {
	confidence float64
	err        error
	delay      time.Duration
	calls      atomic.Int32
}

func (s *stubReputation) CheckIP(ctx context.Context, ip string) (*Reputation, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Reputation{IP: ip, AbuseConfidence: s.confidence, TotalReports: 12}, nil
}

type failingBlacklist struct{}

func (failingBlacklist) Get(context.Context, model.IndicatorKind, string) (*model.BlacklistEntry, error) {
	return nil, errors.New("connection refused")
}
func (failingBlacklist) Add(context.Context, *model.BlacklistEntry) error { return errors.New("down") }
func (failingBlacklist) Remove(context.Context, model.IndicatorKind, string) error {
	return errors.New("down")
}

func TestExternalHighThreatIsCachedAndPersisted(t *testing.T) {
	rep := &stubReputation{confidence: 92}
	bl := NewMemoryBlacklist()
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Blacklist: bl, Reputation: rep})
	ctx := context.Background()

	res := g.Check(ctx, model.IndicatorIP, "203.0.113.9")
	assert.True(t, res.IsThreat)
	assert.Equal(t, model.ThreatHigh, res.Level)
	assert.Equal(t, model.ThreatSourceExternal, res.Source)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)

	g.Wait()
	entry, err := bl.Get(ctx, model.IndicatorIP, "203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.ThreatSourceExternal, entry.Source)

	again := g.Check(ctx, model.IndicatorIP, "203.0.113.9")
	assert.Equal(t, model.ThreatSourceCache, again.Source)
	assert.Equal(t, model.ThreatHigh, again.Level)
	assert.Equal(t, int32(1), rep.calls.Load())
}

func TestMediumExternalThreatIsNotPersisted(t *testing.T) {
	rep := &stubReputation{confidence: 40}
	bl := NewMemoryBlacklist()
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Blacklist: bl, Reputation: rep})

	res := g.Check(context.Background(), model.IndicatorIP, "198.51.100.3")
	assert.Equal(t, model.ThreatMedium, res.Level)
	g.Wait()
	assert.Empty(t, bl.List())
}

func TestExternalFailureFailsOpenAndIsNotCached(t *testing.T) {
	rep := &stubReputation{err: errors.New("503")}
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Reputation: rep})
	ctx := context.Background()

	res := g.Check(ctx, model.IndicatorIP, "198.51.100.3")
	assert.False(t, res.IsThreat)
	assert.Equal(t, model.ThreatNone, res.Level)

	g.Check(ctx, model.IndicatorIP, "198.51.100.3")
	assert.Equal(t, int32(2), rep.calls.Load())
}

func TestExternalTimeoutIsBounded(t *testing.T) {
	rep := &stubReputation{confidence: 99, delay: time.Second}
	g := NewGateway(Options{Reputation: rep, Timeout: 20 * time.Millisecond})

	start := time.Now()
	res := g.Check(context.Background(), model.IndicatorIP, "198.51.100.3")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, res.IsThreat)
}

func TestBlacklistHitSkipsExternal(t *testing.T) {
	rep := &stubReputation{confidence: 0}
	bl := NewMemoryBlacklist()
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Blacklist: bl, Reputation: rep})
	ctx := context.Background()

	require.NoError(t, g.AddToBlacklist(ctx, &model.BlacklistEntry{
		Kind: model.IndicatorEmail, Value: " Fraudster@Example.com ", Reason: "chargeback ring",
	}))

	res := g.Check(ctx, model.IndicatorEmail, "fraudster@example.com")
	assert.True(t, res.IsThreat)
	assert.Equal(t, model.ThreatHigh, res.Level)
	assert.Equal(t, model.ThreatSourceBlacklist, res.Source)
	assert.Contains(t, res.Description, "chargeback ring")
	assert.Zero(t, rep.calls.Load())
}

func TestBlacklistEditsInvalidateCache(t *testing.T) {
	bl := NewMemoryBlacklist()
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Blacklist: bl})
	ctx := context.Background()

	assert.False(t, g.Check(ctx, model.IndicatorDevice, "abc").IsThreat)

	require.NoError(t, g.AddToBlacklist(ctx, &model.BlacklistEntry{Kind: model.IndicatorDevice, Value: "abc", Level: model.ThreatMedium}))
	res := g.Check(ctx, model.IndicatorDevice, "abc")
	assert.True(t, res.IsThreat)
	assert.Equal(t, model.ThreatMedium, res.Level)

	require.NoError(t, g.RemoveFromBlacklist(ctx, model.IndicatorDevice, "abc"))
	assert.False(t, g.Check(ctx, model.IndicatorDevice, "abc").IsThreat)
}

func TestBlacklistOutageFailsOpen(t *testing.T) {
	g := NewGateway(Options{Blacklist: failingBlacklist{}})
	res := g.Check(context.Background(), model.IndicatorEmail, "a@example.com")
	assert.False(t, res.IsThreat)
}

// flakyBlacklist wraps a MemoryBlacklist whose reads fail while down is set.
type flakyBlacklist struct {
	*MemoryBlacklist
	down atomic.Bool
}

func (f *flakyBlacklist) Get(ctx context.Context, kind model.IndicatorKind, value string) (*model.BlacklistEntry, error) {
	if f.down.Load() {
		return nil, errors.New("connection reset")
	}
	return f.MemoryBlacklist.Get(ctx, kind, value)
}

func TestBlacklistOutageDoesNotCacheCleanVerdict(t *testing.T) {
	bl := &flakyBlacklist{MemoryBlacklist: NewMemoryBlacklist()}
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Blacklist: bl})
	ctx := context.Background()
	require.NoError(t, g.AddToBlacklist(ctx, &model.BlacklistEntry{Kind: model.IndicatorEmail, Value: "mule@example.com"}))

	bl.down.Store(true)
	during := g.Check(ctx, model.IndicatorEmail, "mule@example.com")
	assert.False(t, during.IsThreat)

	bl.down.Store(false)
	after := g.Check(ctx, model.IndicatorEmail, "mule@example.com")
	assert.True(t, after.IsThreat)
	assert.Equal(t, model.ThreatSourceBlacklist, after.Source)
}

func TestBlacklistOutageDoesNotCacheExternalVerdict(t *testing.T) {
	bl := &flakyBlacklist{MemoryBlacklist: NewMemoryBlacklist()}
	rep := &stubReputation{confidence: 0}
	g := NewGateway(Options{Cache: cache.NewMemoryCache(), Blacklist: bl, Reputation: rep})
	ctx := context.Background()
	require.NoError(t, g.AddToBlacklist(ctx, &model.BlacklistEntry{Kind: model.IndicatorIP, Value: "203.0.113.66"}))

	bl.down.Store(true)
	assert.False(t, g.Check(ctx, model.IndicatorIP, "203.0.113.66").IsThreat)
	assert.Equal(t, int32(1), rep.calls.Load())

	bl.down.Store(false)
	after := g.Check(ctx, model.IndicatorIP, "203.0.113.66")
	assert.True(t, after.IsThreat)
	assert.Equal(t, model.ThreatSourceBlacklist, after.Source)
}

// slowBlacklist blocks Add until its context ends.
type slowBlacklist struct {
	*MemoryBlacklist
	addErr chan error
}

func (s *slowBlacklist) Add(ctx context.Context, _ *model.BlacklistEntry) error {
	<-ctx.Done()
	s.addErr <- ctx.Err()
	return ctx.Err()
}

func TestPersistRunsOffRequestPath(t *testing.T) {
	bl := &slowBlacklist{MemoryBlacklist: NewMemoryBlacklist(), addErr: make(chan error, 1)}
	g := NewGateway(Options{Blacklist: bl, Reputation: &stubReputation{confidence: 95}})
	g.persistTimeout = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	res := g.Check(ctx, model.IndicatorIP, "203.0.113.9")
	cancel()
	assert.True(t, res.IsThreat)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// request cancellation does not abort the write; the timeout does
	g.Wait()
	assert.ErrorIs(t, <-bl.addErr, context.DeadlineExceeded)
}

func TestInvalidIndicator(t *testing.T) {
	g := NewGateway(Options{})
	assert.False(t, g.Check(context.Background(), "phone", "+100").IsThreat)
	assert.False(t, g.Check(context.Background(), model.IndicatorIP, " ").IsThreat)

	err := g.AddToBlacklist(context.Background(), &model.BlacklistEntry{Kind: model.IndicatorIP, Value: "1.2.3.4"})
	assert.Error(t, err, "no store configured")
}

func TestCacheTTLTiers(t *testing.T) {
	g := NewGateway(Options{})
	assert.Equal(t, 7*24*time.Hour, g.ttlFor(model.ThreatHigh))
	assert.Equal(t, 12*time.Hour, g.ttlFor(model.ThreatMedium))
	assert.Equal(t, 24*time.Hour, g.ttlFor(model.ThreatNone))
}

func TestFactorMapping(t *testing.T) {
	f, ok := Factor(model.ThreatResult{Kind: model.IndicatorIP, IsThreat: true, Level: model.ThreatHigh})
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, f.Severity)
	assert.Equal(t, 95.0, f.Score)

	f, ok = Factor(model.ThreatResult{Kind: model.IndicatorEmail, IsThreat: true, Level: model.ThreatMedium})
	require.True(t, ok)
	assert.Equal(t, model.SeverityHigh, f.Severity)

	_, ok = Factor(model.NoThreat(model.IndicatorIP, "1.2.3.4"))
	assert.False(t, ok)
}

func TestReputationClient(t *testing.T) {
	var gotKey, gotIP string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Key")
		gotIP = r.URL.Query().Get("ipAddress")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"ipAddress":"203.0.113.9","abuseConfidenceScore":81,"totalReports":40,"usageType":"Data Center/Web Hosting/Transit","isTor":true}}`))
	}))
	defer srv.Close()

	c := NewReputationClient(srv.URL, "secret", time.Second, 0)
	rep, err := c.CheckIP(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "203.0.113.9", gotIP)
	assert.Equal(t, 81.0, rep.AbuseConfidence)
	assert.Equal(t, model.ThreatHigh, LevelForConfidence(rep.AbuseConfidence))
	assert.Contains(t, rep.Summary(), "tor")
}

func TestReputationClientNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewReputationClient(srv.URL, "", time.Second, 0)
	_, err := c.CheckIP(context.Background(), "203.0.113.9")
	assert.Error(t, err)
}

func TestReputationClientLocalQuota(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"data":{"abuseConfidenceScore":0}}`))
	}))
	defer srv.Close()

	c := NewReputationClient(srv.URL, "", time.Second, 1)
	_, err := c.CheckIP(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	_, err = c.CheckIP(context.Background(), "203.0.113.9")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, int32(1), hits.Load())
}
