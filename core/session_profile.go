package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const maxProfileBody = 1 << 20

// FetchProfile refreshes the backend profile for a full session. It is a
// no-op for unauthenticated or anonymous sessions. Consecutive 401 responses
// reaching Session.ProfileAuthFailureThreshold force a sign out.
func (s *SessionStore) FetchProfile(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	snap := s.Snapshot()
	if !snap.Authenticated() || snap.Session.IsAnonymous {
		return nil
	}
	endpoint := s.profileURL()
	if endpoint == "" {
		return nil
	}
	if err := s.checkRateLimit(ctx, ActionProfileFetch); err != nil {
		s.recordError(ctx, "fetch_profile", snap.Provider, err)
		return err
	}

	startedAt := s.obs.clock()
	token := snap.Token()
	value, err, _ := s.profileGroup.Do(token, func() (any, error) {
		return s.fetchProfileOnce(ctx, endpoint, token, snap.Provider)
	})
	if err != nil {
		s.obs.observeOperation(ctx, startedAt, "fetch_profile", err, map[string]any{"provider": snap.Provider})
		return err
	}
	profile, _ := value.(*Profile)
	if profile == nil {
		return nil
	}
	if !s.applyProfile(token, profile) {
		return nil
	}
	s.obs.observeOperation(ctx, startedAt, "fetch_profile", nil, map[string]any{"provider": snap.Provider})
	s.notify(ctx)
	return nil
}

func (s *SessionStore) profileURL() string {
	base := strings.TrimRight(strings.TrimSpace(s.cfg.Backend.BaseURL), "/")
	if base == "" {
		return ""
	}
	return base + s.cfg.validationPath()
}

// applyProfile stores profile if the session that requested it is still
// active.
func (s *SessionStore) applyProfile(token string, profile *Profile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.AccessToken != token {
		return false
	}
	profile.FetchedAt = s.obs.clock()
	s.profile = profile.Clone()
	s.lastProfileAt = profile.FetchedAt
	s.profileAuthFailures = 0
	s.healthy = true
	s.lastError = nil
	return true
}

func (s *SessionStore) fetchProfileOnce(ctx context.Context, endpoint, token, providerName string) (*Profile, error) {
	var authFailure error
	profile, err := retryWithBreaker(ctx, s.policy, s.breakers.Profile, s.obs, func(ctx context.Context) (*Profile, error) {
		profile, status, err := s.requestProfile(ctx, endpoint, token, providerName)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			// The backend answered; the credential is the problem, not the service.
			authFailure = err
			return nil, nil
		}
		authFailure = nil
		return profile, err
	})
	if authFailure != nil {
		return nil, s.handleProfileAuthFailure(ctx, providerName, authFailure)
	}
	if err != nil {
		if HasTextCode(err, ErrorCircuitOpen) {
			s.recordError(ctx, "fetch_profile", providerName, err)
			return nil, err
		}
		wrapped := wrapAuthError(err, goerrors.CategoryExternal, ErrorProfileFetchFailed, "profile fetch failed")
		s.recordError(ctx, "fetch_profile", providerName, wrapped)
		return nil, wrapped
	}
	return profile, nil
}

func (s *SessionStore) handleProfileAuthFailure(ctx context.Context, providerName string, cause error) error {
	threshold := s.cfg.Session.ProfileAuthFailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	s.mu.Lock()
	s.profileAuthFailures++
	failures := s.profileAuthFailures
	s.mu.Unlock()

	err := wrapAuthError(cause, goerrors.CategoryAuth, ErrorSessionInvalid, "profile request rejected the session")
	err = err.WithMetadata(map[string]any{"consecutive_failures": failures})
	s.recordError(ctx, "fetch_profile", providerName, err)
	if failures >= threshold {
		s.obs.logWarn(ctx, "signing out after repeated profile auth failures", map[string]any{
			"provider": providerName,
			"failures": failures,
		})
		s.SignOut(ctx)
	}
	return err
}

func (s *SessionStore) requestProfile(ctx context.Context, endpoint, token, providerName string) (*Profile, int, error) {
	if timeout := s.cfg.Timeouts.ProfileFetch; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(WithSkipAuthRefresh(ctx), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if providerName != "" {
		req.Header.Set(HeaderAuthProvider, providerName)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, &RequestFailure{Request: req, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBody))
	if err != nil {
		return nil, resp.StatusCode, &RequestFailure{Request: req, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &RequestFailure{
			Request:    req,
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
		}
	}
	var profile Profile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("core: decode profile: %w", err)
	}
	if profile.Provider == "" {
		profile.Provider = providerName
	}
	return &profile, resp.StatusCode, nil
}

// retryWithBreaker runs op under breaker, retrying per policy. An open breaker
// ends the loop immediately.
func retryWithBreaker[T any](
	ctx context.Context,
	policy RetryPolicy,
	breaker *CircuitBreaker,
	obs *observer,
	op func(context.Context) (T, error),
) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := ExecuteWithResult(ctx, breaker, op)
		if err == nil {
			return result, nil
		}
		if HasTextCode(err, ErrorCircuitOpen) || errors.Is(err, context.Canceled) || !policy.ShouldRetry(err, attempt) {
			return zero, err
		}
		delay := policy.ComputeDelay(attempt+1, err)
		obs.recordCounter(ctx, MetricRetry, 1, map[string]string{
			"category": string(CategorizeError(err)),
			"breaker":  breaker.Snapshot().Name,
		})
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return zero, err
		}
	}
}
