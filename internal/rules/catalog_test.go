package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

type countingSource struct {
	mu    sync.Mutex
	defs  []model.RuleDefinition
	err   error
	loads atomic.Int32
	gate  chan struct{}
}

func (s *countingSource) Load(ctx context.Context) ([]model.RuleDefinition, error) {
	s.loads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs, s.err
}

func (s *countingSource) set(defs []model.RuleDefinition, err error) {
	s.mu.Lock()
	s.defs, s.err = defs, err
	s.mu.Unlock()
}

func ids(defs []model.RuleDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func TestCachedCatalogServesWithinTTL(t *testing.T) {
	src := &countingSource{defs: []model.RuleDefinition{{ID: "a"}}}
	c := NewCachedCatalog(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		defs, err := c.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(defs))
	}
	assert.Equal(t, int32(1), src.loads.Load())
}

func TestCachedCatalogStaleWhileRevalidate(t *testing.T) {
	src := &countingSource{defs: []model.RuleDefinition{{ID: "a"}}}
	c := NewCachedCatalog(src, time.Minute)
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Current(ctx)
	require.NoError(t, err)

	src.set([]model.RuleDefinition{{ID: "b"}}, nil)
	src.gate = make(chan struct{})
	now = now.Add(2 * time.Minute)

	defs, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(defs), "expired snapshot is served while refreshing")

	// a second reader does not start another refresh
	_, _ = c.Current(ctx)
	close(src.gate)
	c.Wait()
	assert.Equal(t, int32(2), src.loads.Load())

	defs, err = c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(defs))
}

func TestCachedCatalogKeepsStaleOnRefreshFailure(t *testing.T) {
	src := &countingSource{defs: []model.RuleDefinition{{ID: "a"}}}
	c := NewCachedCatalog(src, time.Minute)
	ctx := context.Background()

	_, err := c.Current(ctx)
	require.NoError(t, err)

	src.set(nil, errors.New("db down"))
	c.Invalidate()
	defs, err := c.Current(ctx)
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, []string{"a"}, ids(defs))

	defs, err = c.Current(ctx)
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, []string{"a"}, ids(defs))
}

func TestInvalidateTriggersReload(t *testing.T) {
	src := &countingSource{defs: []model.RuleDefinition{{ID: "a"}}}
	c := NewCachedCatalog(src, time.Hour)
	ctx := context.Background()

	_, err := c.Current(ctx)
	require.NoError(t, err)
	src.set([]model.RuleDefinition{{ID: "c"}}, nil)

	c.Invalidate()
	_, _ = c.Current(ctx)
	c.Wait()

	defs, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(defs))
}

func TestStaticCatalogAsSource(t *testing.T) {
	c := NewCachedCatalog(NewStaticCatalog(DefaultCatalog()), 0)
	defs, err := c.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 32)
}

type hangingSource struct {
	loads atomic.Int32
}

func (s *hangingSource) Load(ctx context.Context) ([]model.RuleDefinition, error) {
	s.loads.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFirstLoadIsBoundedWhenSourceHangs(t *testing.T) {
	src := &hangingSource{}
	c := NewCachedCatalog(src, time.Minute)
	c.SetLoadTimeout(30 * time.Millisecond)
	e := NewEngine(nil, c, nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.Evaluate(context.Background(), cleanTx(500000))
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("rule evaluation blocked on first catalog load")
	}

	// failed first load is not retried on every read
	_, err := c.Current(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), src.loads.Load())
}

func TestFirstLoadRetriesAfterBackoff(t *testing.T) {
	src := &countingSource{err: errors.New("db down")}
	c := NewCachedCatalog(src, time.Minute)
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Current(ctx)
	require.Error(t, err)
	src.set([]model.RuleDefinition{{ID: "a"}}, nil)

	_, err = c.Current(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(1), src.loads.Load())

	now = now.Add(6 * time.Second)
	defs, err := c.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(defs))
	assert.Equal(t, int32(2), src.loads.Load())
}

func TestFileSourceLoadsVariantRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules_b.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: payment.high_amount
    category: payment
    tier: manual_review
    weight: 1
    priority: 20
    active: true
    params:
      threshold: 100000
      score: 60
`), 0o600))

	defs, err := NewFileSource(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, PaymentHighAmount, defs[0].ID)
	assert.Equal(t, model.TierManualReview, defs[0].Tier)
	assert.Equal(t, 100000.0, defs[0].Params.Float("threshold", 0))

	// variant engine shares the registry but reads the file's thresholds
	base := NewEngine(nil, NewStaticCatalog(DefaultCatalog()), nil)
	variant := base.WithCatalog(NewCachedCatalog(NewFileSource(path), time.Minute))
	ms, err := variant.Evaluate(context.Background(), cleanTx(150000))
	require.NoError(t, err)
	assert.Equal(t, []string{PaymentHighAmount}, matchIDs(ms))

	ms, err = base.Evaluate(context.Background(), cleanTx(150000))
	require.NoError(t, err)
	assert.NotContains(t, matchIDs(ms), PaymentHighAmount)
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	assert.Error(t, err)
}
