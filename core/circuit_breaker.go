package core

import (
	"context"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

type BreakerConfig struct {
	Disabled         bool
	FailureThreshold int
	Timeout          time.Duration
	HalfOpenRequests int
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.HalfOpenRequests < 1 {
		c.HalfOpenRequests = 1
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}

type BreakerSnapshot struct {
	Name                 string
	State                BreakerState
	FailureCount         int
	LastFailureTime      time.Time
	HalfOpenSuccessCount int
}

type BreakerOutcome int

const (
	// OutcomeAttempt is evaluated before a call; it moves an expired open
	// breaker to half-open.
	OutcomeAttempt BreakerOutcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// Transition is the pure breaker state function. It returns the next snapshot
// and whether a call may proceed (only meaningful for OutcomeAttempt).
func Transition(cfg BreakerConfig, current BreakerSnapshot, outcome BreakerOutcome, now time.Time) (BreakerSnapshot, bool) {
	cfg = cfg.normalized()
	next := current
	if next.State == "" {
		next.State = BreakerClosed
	}
	switch outcome {
	case OutcomeAttempt:
		if next.State != BreakerOpen {
			return next, true
		}
		if now.Sub(next.LastFailureTime) > cfg.Timeout {
			next.State = BreakerHalfOpen
			next.HalfOpenSuccessCount = 0
			return next, true
		}
		return next, false
	case OutcomeSuccess:
		switch next.State {
		case BreakerHalfOpen:
			next.HalfOpenSuccessCount++
			if next.HalfOpenSuccessCount >= cfg.HalfOpenRequests {
				next.State = BreakerClosed
				next.FailureCount = 0
				next.HalfOpenSuccessCount = 0
			}
		case BreakerClosed:
			if next.FailureCount > 0 {
				next.FailureCount--
			}
		}
		return next, true
	case OutcomeFailure:
		switch next.State {
		case BreakerHalfOpen:
			next.State = BreakerOpen
			next.LastFailureTime = now
			next.HalfOpenSuccessCount = 0
		case BreakerClosed:
			next.FailureCount++
			next.LastFailureTime = now
			if next.FailureCount >= cfg.FailureThreshold {
				next.State = BreakerOpen
			}
		case BreakerOpen:
			next.LastFailureTime = now
		}
		return next, true
	}
	return next, true
}

// CircuitBreaker guards one operation class.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	snapshot BreakerSnapshot
	now      Clock
	onChange func(from, to BreakerSnapshot)
}

func NewCircuitBreaker(name string, cfg BreakerConfig, now Clock) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		cfg: cfg,
		now: now,
		snapshot: BreakerSnapshot{
			Name:  strings.TrimSpace(name),
			State: BreakerClosed,
		},
	}
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	if b == nil {
		return BreakerSnapshot{State: BreakerClosed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot
}

// Allow reports whether a call may proceed, moving an expired open breaker to
// half-open.
func (b *CircuitBreaker) Allow() bool {
	if b == nil || b.cfg.Disabled {
		return true
	}
	return b.apply(OutcomeAttempt)
}

func (b *CircuitBreaker) RecordSuccess() {
	if b == nil || b.cfg.Disabled {
		return
	}
	b.apply(OutcomeSuccess)
}

func (b *CircuitBreaker) RecordFailure() {
	if b == nil || b.cfg.Disabled {
		return
	}
	b.apply(OutcomeFailure)
}

func (b *CircuitBreaker) apply(outcome BreakerOutcome) bool {
	b.mu.Lock()
	previous := b.snapshot
	next, allowed := Transition(b.cfg, previous, outcome, b.now())
	b.snapshot = next
	hook := b.onChange
	b.mu.Unlock()
	if hook != nil && previous.State != next.State {
		hook(previous, next)
	}
	return allowed
}

// Execute runs op under the breaker. An open breaker fails without invoking
// op. Context cancellation is not counted as a failure.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if op == nil {
		return nil
	}
	if b == nil || b.cfg.Disabled {
		return op(ctx)
	}
	if !b.Allow() {
		return b.openError()
	}
	err := op(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx != nil && ctx.Err() != nil:
	default:
		b.RecordFailure()
	}
	return err
}

// Reset forces the breaker closed with zeroed counters.
func (b *CircuitBreaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	previous := b.snapshot
	b.snapshot = BreakerSnapshot{Name: previous.Name, State: BreakerClosed}
	next := b.snapshot
	hook := b.onChange
	b.mu.Unlock()
	if hook != nil && previous.State != next.State {
		hook(previous, next)
	}
}

func (b *CircuitBreaker) openError() error {
	name := b.Snapshot().Name
	return NewAuthError("circuit breaker is open: "+name, goerrors.CategoryOperation, ErrorCircuitOpen).
		WithMetadata(map[string]any{"breaker": name})
}

// ExecuteWithResult is the value-returning form of Execute.
func ExecuteWithResult[T any](ctx context.Context, b *CircuitBreaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

// CircuitBreakers is the fixed set of per-class breakers owned by a store.
type CircuitBreakers struct {
	Auth         *CircuitBreaker
	TokenRefresh *CircuitBreaker
	Profile      *CircuitBreaker
}

func NewCircuitBreakers(cfg BreakerConfig, now Clock) *CircuitBreakers {
	return &CircuitBreakers{
		Auth:         NewCircuitBreaker(BreakerAuth, cfg, now),
		TokenRefresh: NewCircuitBreaker(BreakerTokenRefresh, cfg, now),
		Profile:      NewCircuitBreaker(BreakerProfile, cfg, now),
	}
}

func (c *CircuitBreakers) All() []*CircuitBreaker {
	if c == nil {
		return nil
	}
	return []*CircuitBreaker{c.Auth, c.TokenRefresh, c.Profile}
}

func (c *CircuitBreakers) ResetAll() {
	for _, breaker := range c.All() {
		breaker.Reset()
	}
}

func (c *CircuitBreakers) observeTransitions(hook func(from, to BreakerSnapshot)) {
	for _, breaker := range c.All() {
		breaker.mu.Lock()
		breaker.onChange = hook
		breaker.mu.Unlock()
	}
}
