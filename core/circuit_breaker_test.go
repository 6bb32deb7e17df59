package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransition_OpensAtThreshold(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, Timeout: time.Minute, HalfOpenRequests: 2}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := BreakerSnapshot{State: BreakerClosed}

	for i := 0; i < 2; i++ {
		snap, _ = Transition(cfg, snap, OutcomeFailure, now)
	}
	if snap.State != BreakerClosed || snap.FailureCount != 2 {
		t.Fatalf("expected closed with two failures, got %+v", snap)
	}
	snap, _ = Transition(cfg, snap, OutcomeSuccess, now)
	if snap.FailureCount != 1 {
		t.Fatalf("expected success to decrement failure count, got %d", snap.FailureCount)
	}
	snap, _ = Transition(cfg, snap, OutcomeSuccess, now)
	snap, _ = Transition(cfg, snap, OutcomeSuccess, now)
	if snap.FailureCount != 0 {
		t.Fatalf("expected failure count floor of zero, got %d", snap.FailureCount)
	}

	for i := 0; i < 3; i++ {
		snap, _ = Transition(cfg, snap, OutcomeFailure, now)
	}
	if snap.State != BreakerOpen {
		t.Fatalf("expected open after threshold failures, got %s", snap.State)
	}
	if !snap.LastFailureTime.Equal(now) {
		t.Fatalf("expected last failure time recorded")
	}
}

func TestTransition_OpenTimeoutIsStrict(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, Timeout: time.Minute, HalfOpenRequests: 1}
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := BreakerSnapshot{State: BreakerOpen, FailureCount: 1, LastFailureTime: opened}

	next, allowed := Transition(cfg, snap, OutcomeAttempt, opened.Add(time.Minute))
	if allowed || next.State != BreakerOpen {
		t.Fatalf("expected breaker to stay open at exactly the timeout, got %s allowed=%v", next.State, allowed)
	}
	next, allowed = Transition(cfg, snap, OutcomeAttempt, opened.Add(time.Minute+time.Millisecond))
	if !allowed || next.State != BreakerHalfOpen {
		t.Fatalf("expected half-open after the timeout, got %s allowed=%v", next.State, allowed)
	}
}

func TestTransition_HalfOpenQuorumAndReopen(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 2, Timeout: time.Second, HalfOpenRequests: 3}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	half := BreakerSnapshot{State: BreakerHalfOpen, FailureCount: 2, LastFailureTime: now.Add(-time.Hour)}

	snap := half
	for i := 0; i < 2; i++ {
		snap, _ = Transition(cfg, snap, OutcomeSuccess, now)
	}
	if snap.State != BreakerHalfOpen || snap.HalfOpenSuccessCount != 2 {
		t.Fatalf("expected half-open with two trial successes, got %+v", snap)
	}
	snap, _ = Transition(cfg, snap, OutcomeSuccess, now)
	if snap.State != BreakerClosed || snap.FailureCount != 0 {
		t.Fatalf("expected closed with reset failures after quorum, got %+v", snap)
	}

	reopened, _ := Transition(cfg, half, OutcomeFailure, now)
	if reopened.State != BreakerOpen || !reopened.LastFailureTime.Equal(now) {
		t.Fatalf("expected a half-open failure to reopen and refresh the failure time, got %+v", reopened)
	}
}

func TestCircuitBreaker_DeniesWithoutInvokingWhileOpen(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker(BreakerAuth, BreakerConfig{FailureThreshold: 2, Timeout: time.Minute, HalfOpenRequests: 1}, clock.Now)
	failing := errors.New("boom")

	calls := 0
	op := func(context.Context) error {
		calls++
		return failing
	}
	for i := 0; i < 2; i++ {
		if err := breaker.Execute(context.Background(), op); !errors.Is(err, failing) {
			t.Fatalf("expected operation error, got %v", err)
		}
	}
	if breaker.Snapshot().State != BreakerOpen {
		t.Fatalf("expected breaker open")
	}

	err := breaker.Execute(context.Background(), op)
	if !HasTextCode(err, ErrorCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected open breaker not to invoke the operation, got %d calls", calls)
	}

	clock.Advance(time.Minute + time.Second)
	if err := breaker.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected half-open trial to pass, got %v", err)
	}
	if state := breaker.Snapshot().State; state != BreakerClosed {
		t.Fatalf("expected breaker closed after single-request quorum, got %s", state)
	}
}

func TestCircuitBreaker_ReportsTransitionsAndResets(t *testing.T) {
	clock := newManualClock()
	breaker := NewCircuitBreaker(BreakerProfile, BreakerConfig{FailureThreshold: 1, Timeout: time.Minute, HalfOpenRequests: 1}, clock.Now)
	var transitions []BreakerState
	breaker.onChange = func(_, to BreakerSnapshot) {
		transitions = append(transitions, to.State)
	}

	breaker.RecordFailure()
	breaker.Reset()
	if len(transitions) != 2 || transitions[0] != BreakerOpen || transitions[1] != BreakerClosed {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	snap := breaker.Snapshot()
	if snap.FailureCount != 0 || !snap.LastFailureTime.IsZero() || snap.Name != BreakerProfile {
		t.Fatalf("expected reset to zero counters and keep the name, got %+v", snap)
	}
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerTokenRefresh, BreakerConfig{FailureThreshold: 1, Timeout: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := breaker.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if state := breaker.Snapshot().State; state != BreakerClosed {
		t.Fatalf("expected cancellation to leave breaker closed, got %s", state)
	}
}

func TestCircuitBreaker_DisabledPassesThrough(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerAuth, BreakerConfig{Disabled: true, FailureThreshold: 1}, nil)
	for i := 0; i < 5; i++ {
		_ = breaker.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	}
	if state := breaker.Snapshot().State; state != BreakerClosed {
		t.Fatalf("expected disabled breaker to stay closed, got %s", state)
	}
}

func TestExecuteWithResult_ReturnsValue(t *testing.T) {
	breaker := NewCircuitBreaker(BreakerAuth, BreakerConfig{FailureThreshold: 1}, nil)
	value, err := ExecuteWithResult(context.Background(), breaker, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || value != "ok" {
		t.Fatalf("expected ok, got %q err=%v", value, err)
	}
}
