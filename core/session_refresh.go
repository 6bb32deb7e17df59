package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// refreshOptions controls how a failed coordinated refresh is handled.
type refreshOptions struct {
	signOutOnFailure bool
	trigger          string
}

// refreshResult is what the caller of coordinateRefresh gets back. Request is
// only set for the leader and only when the provider re-signed it.
type refreshResult struct {
	Outcome RefreshOutcome
	Request *http.Request
}

// RefreshSession proactively refreshes the active session through the
// coordinator. A failure leaves the session in place.
func (s *SessionStore) RefreshSession(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("core: session store is nil")
	}
	result := s.coordinateRefresh(contextOrBackground(ctx), nil, refreshOptions{trigger: "proactive"})
	return result.Outcome.Err
}

// coordinateRefresh joins or leads the single in-flight refresh for the
// active provider.
func (s *SessionStore) coordinateRefresh(ctx context.Context, req *http.Request, opts refreshOptions) refreshResult {
	snap := s.Snapshot()
	if !snap.Authenticated() {
		return refreshResult{Outcome: RefreshOutcome{Err: NewAuthError("no active session to refresh", goerrors.CategoryAuth, ErrorSessionExpired)}}
	}
	provider, ok := s.registry.Get(snap.Provider)
	if !ok {
		return refreshResult{Outcome: RefreshOutcome{Err: NewAuthError(
			fmt.Sprintf("provider not registered: %q", snap.Provider), goerrors.CategoryNotFound, ErrorProviderNotFound,
		)}}
	}

	gen, leader, wait := s.coordinator.Acquire(snap.Provider)
	if !leader {
		select {
		case outcome := <-wait:
			return refreshResult{Outcome: outcome}
		case <-ctx.Done():
			return refreshResult{Outcome: RefreshOutcome{Err: ctx.Err()}}
		}
	}
	return s.leadRefresh(ctx, gen, provider, snap.Provider, req, opts)
}

type providerRefresh struct {
	result TokenRefreshResult
	err    error
}

// leadRefresh runs the provider refresh raced against Timeouts.TokenRefresh.
// A result arriving after the timeout is dropped.
func (s *SessionStore) leadRefresh(
	ctx context.Context,
	gen uint64,
	provider Provider,
	providerName string,
	req *http.Request,
	opts refreshOptions,
) refreshResult {
	startedAt := s.obs.clock()
	timeout := s.cfg.Timeouts.TokenRefresh
	if timeout <= 0 {
		timeout = DefaultConfig().Timeouts.TokenRefresh
	}
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan providerRefresh, 1)
	go func() {
		var res TokenRefreshResult
		err := s.breakers.TokenRefresh.Execute(refreshCtx, func(ctx context.Context) error {
			return safeProviderCall(func() error {
				var callErr error
				res, callErr = provider.HandleTokenExpiry(ctx, s, req)
				return callErr
			})
		})
		done <- providerRefresh{result: res, err: err}
	}()

	var outcome providerRefresh
	select {
	case outcome = <-done:
	case <-refreshCtx.Done():
		outcome = providerRefresh{err: fmt.Errorf("core: token refresh timed out after %s: %w", timeout, refreshCtx.Err())}
	}

	var normalized NormalizedSession
	if outcome.err == nil {
		var ok bool
		normalized, ok = s.normalizeRefreshed(provider, providerName, outcome.result.Session)
		if !ok {
			outcome.err = fmt.Errorf("core: provider %q returned no usable session on refresh", providerName)
		}
	}

	if outcome.err != nil {
		return s.failRefresh(ctx, gen, providerName, outcome.err, opts, startedAt)
	}

	applied := s.coordinator.completeWith(gen, normalized.AccessToken, func() bool {
		return s.applyRefreshed(providerName, normalized)
	})
	if !applied {
		err := errRefreshSuperseded()
		s.obs.observeOperation(ctx, startedAt, "token_refresh", err, map[string]any{"provider": providerName})
		s.obs.recordCounter(ctx, MetricRefresh, 1, map[string]string{"provider": providerName, "status": "discarded"})
		return refreshResult{Outcome: RefreshOutcome{Provider: providerName, Err: err}}
	}

	s.cacheSessionMeta(ctx, providerName, normalized)
	s.obs.recordCounter(ctx, MetricRefresh, 1, map[string]string{
		"provider": providerName,
		"status":   "success",
		"trigger":  opts.trigger,
	})
	s.obs.observeOperation(ctx, startedAt, "token_refresh", nil, map[string]any{"provider": providerName})
	s.notify(ctx)
	return refreshResult{
		Outcome: RefreshOutcome{Token: normalized.AccessToken, Provider: providerName},
		Request: outcome.result.Request,
	}
}

func (s *SessionStore) normalizeRefreshed(provider Provider, providerName string, raw RawSession) (NormalizedSession, bool) {
	if raw == nil {
		return NormalizedSession{}, false
	}
	normalized, ok := provider.NormalizeSession(raw)
	if !ok || !normalized.Authenticated() {
		return NormalizedSession{}, false
	}
	if normalized.Provider == "" {
		normalized.Provider = providerName
	}
	return normalized, true
}

// applyRefreshed swaps in the refreshed credential when the refreshed
// provider is still the active one.
func (s *SessionStore) applyRefreshed(providerName string, normalized NormalizedSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.provider != providerName {
		return false
	}
	if normalized.User == nil && s.session.User != nil {
		normalized.User = s.session.User.Clone()
	}
	if normalized.ProviderID == "" {
		normalized.ProviderID = s.session.ProviderID
	}
	cloned := normalized.Clone()
	s.session = &cloned
	s.nextRefreshAt = s.computeNextRefresh(cloned.ExpiresAt)
	s.defaultHeaders = credentialHeaders(cloned.AccessToken, providerName)
	s.healthy = true
	return true
}

func (s *SessionStore) failRefresh(
	ctx context.Context,
	gen uint64,
	providerName string,
	cause error,
	opts refreshOptions,
	startedAt time.Time,
) refreshResult {
	err := wrapAuthError(cause, goerrors.CategoryAuth, ErrorSessionExpired, "token refresh failed")
	if HasTextCode(cause, ErrorCircuitOpen) {
		err = err.WithMetadata(map[string]any{"breaker": BreakerTokenRefresh})
	}
	// Waiters are released before sign out so none of them observes a
	// half-cleared store.
	s.coordinator.FailRefresh(gen, err)
	s.obs.recordCounter(ctx, MetricRefresh, 1, map[string]string{
		"provider": providerName,
		"status":   "failure",
		"trigger":  opts.trigger,
	})
	s.obs.observeOperation(ctx, startedAt, "token_refresh", err, map[string]any{"provider": providerName})
	s.obs.reportError(ctx, "token_refresh", providerName, err)
	if opts.signOutOnFailure {
		s.SignOut(ctx)
	} else {
		s.mu.Lock()
		s.lastError = err
		s.mu.Unlock()
	}
	return refreshResult{Outcome: RefreshOutcome{Provider: providerName, Err: err}}
}
