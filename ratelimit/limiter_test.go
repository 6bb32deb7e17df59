package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-authsession/core"
)

type memoryKV struct {
	mu      sync.Mutex
	values  map[string][]byte
	ttls    map[string]time.Duration
	failGet error
	failSet error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	value, ok := m.values[key]
	if !ok {
		return nil, core.ErrStorageNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.values[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func loginConfig() core.RateLimitConfig {
	return core.RateLimitConfig{Actions: map[string]core.RateLimitRule{
		"login": {Max: 5, Window: 300000 * time.Millisecond},
	}}
}

func TestSlidingWindowLimiter_DeniesThenRecovers(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemoryKV()
	limiter := NewSlidingWindowLimiter(store, loginConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision := limiter.CheckRateLimit(ctx, "login")
		if !decision.Allowed {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
		if decision.Remaining != 4-i {
			t.Fatalf("expected %d remaining, got %d", 4-i, decision.Remaining)
		}
		clock.now = clock.now.Add(time.Second)
	}

	denied := limiter.CheckRateLimit(ctx, "login")
	if denied.Allowed {
		t.Fatalf("expected sixth attempt to be denied")
	}
	// The first attempt was 5s ago, so it leaves the window in 295s.
	if denied.RetryAfter != 295*time.Second {
		t.Fatalf("unexpected retry after: %s", denied.RetryAfter)
	}

	clock.now = clock.now.Add(295*time.Second + time.Millisecond)
	if decision := limiter.CheckRateLimit(ctx, "login"); !decision.Allowed {
		t.Fatalf("expected an attempt once the oldest entry left the window")
	}
	if ttl := store.ttls[DefaultKeyPrefix+"login"]; ttl != 300*time.Second {
		t.Fatalf("expected window ttl on the stored entry, got %s", ttl)
	}
}

func TestSlidingWindowLimiter_UnconfiguredOrDisabledAllows(t *testing.T) {
	store := newMemoryKV()
	limiter := NewSlidingWindowLimiter(store, loginConfig())
	if decision := limiter.CheckRateLimit(context.Background(), "profile_fetch"); !decision.Allowed {
		t.Fatalf("expected unconfigured action to be allowed")
	}
	if len(store.values) != 0 {
		t.Fatalf("expected no state for unconfigured actions")
	}

	cfg := loginConfig()
	cfg.Disabled = true
	disabled := NewSlidingWindowLimiter(store, cfg)
	for i := 0; i < 10; i++ {
		if !disabled.CheckRateLimit(context.Background(), "login").Allowed {
			t.Fatalf("expected disabled limiter to allow every attempt")
		}
	}
}

func TestSlidingWindowLimiter_FailsOpen(t *testing.T) {
	store := newMemoryKV()
	store.failGet = errors.New("storage offline")
	limiter := NewSlidingWindowLimiter(store, loginConfig())
	for i := 0; i < 10; i++ {
		if !limiter.CheckRateLimit(context.Background(), "login").Allowed {
			t.Fatalf("expected read failures to allow the attempt")
		}
	}

	store.failGet = nil
	store.failSet = errors.New("storage read only")
	if !limiter.CheckRateLimit(context.Background(), "login").Allowed {
		t.Fatalf("expected write failures to allow the attempt")
	}
}

func TestSlidingWindowLimiter_CorruptStateIsReplaced(t *testing.T) {
	store := newMemoryKV()
	store.values[DefaultKeyPrefix+"login"] = []byte("not-json")
	limiter := NewSlidingWindowLimiter(store, loginConfig())
	decision := limiter.CheckRateLimit(context.Background(), "LOGIN")
	if !decision.Allowed || decision.Remaining != 4 {
		t.Fatalf("expected a fresh window, got %+v", decision)
	}
	if string(store.values[DefaultKeyPrefix+"login"]) == "not-json" {
		t.Fatalf("expected corrupt state to be overwritten")
	}
}

func TestSlidingWindowLimiter_ResetAndConcurrency(t *testing.T) {
	store := newMemoryKV()
	limiter := NewSlidingWindowLimiter(store, loginConfig())

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.CheckRateLimit(context.Background(), "login").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Fatalf("expected exactly 5 concurrent attempts to pass, got %d", allowed)
	}

	if err := limiter.Reset(context.Background(), "login"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !limiter.CheckRateLimit(context.Background(), "login").Allowed {
		t.Fatalf("expected reset to clear the window")
	}
}
