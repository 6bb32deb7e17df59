package core

import (
	"context"
	"time"
)

// CheckSessionHealth refreshes the credential once its refresh time has passed
// and re-validates the profile once the validation interval has elapsed.
// Failures only degrade the health flag.
func (s *SessionStore) CheckSessionHealth(ctx context.Context) bool {
	if s == nil {
		return false
	}
	ctx = contextOrBackground(ctx)
	snap := s.Snapshot()
	if !snap.Authenticated() {
		return snap.Healthy
	}

	now := s.obs.clock()
	healthy := true
	if !snap.NextRefreshAt.IsZero() && now.After(snap.NextRefreshAt) {
		if err := s.RefreshSession(ctx); err != nil {
			healthy = false
			s.obs.logWarn(ctx, "proactive refresh failed", map[string]any{
				"provider": snap.Provider,
				"error":    err.Error(),
			})
		}
	}

	interval := s.cfg.Session.ValidationInterval
	if !snap.Session.IsAnonymous && interval > 0 && now.Sub(snap.LastProfileAt) >= interval {
		if err := s.FetchProfile(ctx); err != nil {
			healthy = false
		}
	}

	s.mu.Lock()
	changed := s.healthy != healthy
	if s.session != nil {
		s.healthy = healthy
	} else {
		changed = false
	}
	s.mu.Unlock()
	if changed {
		s.notify(ctx)
	}
	return healthy
}

// RunHealthChecks calls CheckSessionHealth on every tick until ctx is done.
// A non-positive interval falls back to Session.HealthCheckInterval.
func (s *SessionStore) RunHealthChecks(ctx context.Context, interval time.Duration) error {
	if s == nil {
		return nil
	}
	if interval <= 0 {
		interval = s.cfg.Session.HealthCheckInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.CheckSessionHealth(ctx)
		}
	}
}
