package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-authsession/core"
	glog "github.com/goliatone/go-logger/glog"
)

const DefaultKeyPrefix = "ratelimit:"

// SlidingWindowLimiter keeps a per-action list of attempt timestamps in a
// KeyValueStore and allows at most Max attempts inside Window.
type SlidingWindowLimiter struct {
	store    core.KeyValueStore
	rules    map[string]core.RateLimitRule
	disabled bool
	prefix   string
	now      func() time.Time
	logger   core.Logger

	mu sync.Mutex
}

type Option func(*SlidingWindowLimiter)

func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindowLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(l *SlidingWindowLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(l *SlidingWindowLimiter) {
		l.prefix = prefix
	}
}

func NewSlidingWindowLimiter(store core.KeyValueStore, cfg core.RateLimitConfig, opts ...Option) *SlidingWindowLimiter {
	rules := make(map[string]core.RateLimitRule, len(cfg.Actions))
	for action, rule := range cfg.Actions {
		rules[normalizeAction(action)] = rule
	}
	limiter := &SlidingWindowLimiter{
		store:    store,
		rules:    rules,
		disabled: cfg.Disabled,
		prefix:   DefaultKeyPrefix,
		now:      time.Now,
		logger:   glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}
	return limiter
}

// CheckRateLimit records an attempt for action when it is within budget.
// Storage failures allow the attempt.
func (l *SlidingWindowLimiter) CheckRateLimit(ctx context.Context, action string) core.RateLimitDecision {
	if l == nil || l.disabled || l.store == nil {
		return core.RateLimitDecision{Allowed: true, Remaining: -1}
	}
	action = normalizeAction(action)
	rule, ok := l.rules[action]
	if !ok || rule.Max < 1 || rule.Window <= 0 {
		return core.RateLimitDecision{Allowed: true, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := l.prefix + action
	attempts, err := l.load(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit state read failed", "action", action, "error", err)
		return core.RateLimitDecision{Allowed: true, Remaining: -1}
	}
	attempts = prune(attempts, now.Add(-rule.Window))

	if len(attempts) >= rule.Max {
		retryAfter := time.UnixMilli(attempts[0]).Add(rule.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.logger.Debug("rate limit denied", "action", action, "attempts", len(attempts), "retry_after_ms", retryAfter.Milliseconds())
		return core.RateLimitDecision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	attempts = append(attempts, now.UnixMilli())
	if err := l.save(ctx, key, attempts, rule.Window); err != nil {
		l.logger.Warn("rate limit state write failed", "action", action, "error", err)
	}
	return core.RateLimitDecision{Allowed: true, Remaining: rule.Max - len(attempts)}
}

// Reset forgets every attempt recorded for action.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, action string) error {
	if l == nil || l.store == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.store.Delete(ctx, l.prefix+normalizeAction(action))
	if errors.Is(err, core.ErrStorageNotFound) {
		return nil
	}
	return err
}

func (l *SlidingWindowLimiter) load(ctx context.Context, key string) ([]int64, error) {
	payload, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrStorageNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var attempts []int64
	if err := json.Unmarshal(payload, &attempts); err != nil {
		// A corrupt entry is replaced on the next write.
		l.logger.Warn("rate limit state is corrupt", "key", key, "error", err)
		return nil, nil
	}
	return attempts, nil
}

func (l *SlidingWindowLimiter) save(ctx context.Context, key string, attempts []int64, window time.Duration) error {
	payload, err := json.Marshal(attempts)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, payload, window)
}

func prune(attempts []int64, cutoff time.Time) []int64 {
	threshold := cutoff.UnixMilli()
	kept := attempts[:0]
	for _, at := range attempts {
		if at > threshold {
			kept = append(kept, at)
		}
	}
	return kept
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
