package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Scope names the dimension a velocity counter is kept for.
type Scope string

const (
	ScopeUser            Scope = "user"
	ScopeIP              Scope = "ip"
	ScopeCard            Scope = "card"
	ScopeCardBIN         Scope = "card_bin"
	ScopeCardAttempt     Scope = "card_attempt"
	ScopeUserHighAmount  Scope = "user_high_amount"
	ScopeShippingAddress Scope = "shipping_address"
	ScopeIPAccounts      Scope = "ip_accounts"
	ScopeDeviceAccounts  Scope = "device_accounts"
	ScopeAddressAccounts Scope = "address_accounts"
)

// CounterStore increments a counter and returns the new value in one atomic step.
// The window is applied only when the increment creates the key; later increments
// never extend it.
type CounterStore interface {
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// VelocityLimiter counts events per (scope, value) inside fixed windows.
type VelocityLimiter struct {
	store CounterStore
}

func NewVelocityLimiter(store CounterStore) *VelocityLimiter {
	return &VelocityLimiter{store: store}
}

func counterKey(scope Scope, value string) string {
	return fmt.Sprintf("velocity:%s:%s", scope, strings.ToLower(strings.TrimSpace(value)))
}

// Hit records one event and returns the count in the current window.
// An empty value records nothing and returns 0.
func (v *VelocityLimiter) Hit(ctx context.Context, scope Scope, value string, window time.Duration) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return v.store.IncrementAndGet(ctx, counterKey(scope, value), window)
}

// Count reads the current window count without recording an event.
func (v *VelocityLimiter) Count(ctx context.Context, scope Scope, value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return v.store.Get(ctx, counterKey(scope, value))
}

// Exceeded records one event and reports whether the count is now above max.
// With max N, events 1..N pass and event N+1 is the first to exceed.
func (v *VelocityLimiter) Exceeded(ctx context.Context, scope Scope, value string, window time.Duration, max int64) (bool, int64, error) {
	count, err := v.Hit(ctx, scope, value, window)
	if err != nil {
		return false, 0, err
	}
	return count > max, count, nil
}

// HitDistinct counts distinct members seen for value (e.g. accounts per IP).
// A member already seen in the window does not increase the count.
func (v *VelocityLimiter) HitDistinct(ctx context.Context, scope Scope, value, member string, window time.Duration) (int64, error) {
	if strings.TrimSpace(value) == "" || strings.TrimSpace(member) == "" {
		return 0, nil
	}
	seenKey := counterKey(scope, value) + ":seen:" + strings.ToLower(member)
	n, err := v.store.IncrementAndGet(ctx, seenKey, window)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		return v.store.IncrementAndGet(ctx, counterKey(scope, value), window)
	}
	return v.store.Get(ctx, counterKey(scope, value))
}

type counter struct {
	value   int64
	expires time.Time
}

// MemoryCounterStore is the single-process CounterStore.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (s *MemoryCounterStore) IncrementAndGet(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || (!c.expires.IsZero() && !now.Before(c.expires)) {
		c = &counter{}
		if window > 0 {
			c.expires = now.Add(window)
		}
		s.counters[key] = c
	}
	c.value++
	return c.value, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	if !c.expires.IsZero() && !s.now().Before(c.expires) {
		delete(s.counters, key)
		return 0, nil
	}
	return c.value, nil
}

// Prune removes expired counters.
func (s *MemoryCounterStore) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, c := range s.counters {
		if !c.expires.IsZero() && !now.Before(c.expires) {
			delete(s.counters, k)
		}
	}
}
