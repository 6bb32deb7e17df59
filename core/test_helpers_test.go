package core

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type stubProvider struct {
	name       string
	metadata   ProviderMetadata
	stored     RawSession
	storedErr  error
	signOutErr error
	refresh    func(ctx context.Context, view SessionView, req *http.Request) (TokenRefreshResult, error)

	signOuts  atomic.Int32
	refreshes atomic.Int32
	lookups   atomic.Int32
}

func newStubProvider(name string) *stubProvider {
	return &stubProvider{
		name:     name,
		metadata: ProviderMetadata{Name: name, DisplayName: name, Configured: true},
	}
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) NormalizeSession(raw RawSession) (NormalizedSession, bool) {
	return NormalizeRawSession(raw, p.name, time.Now())
}

func (p *stubProvider) GetStoredSession(context.Context) (RawSession, error) {
	p.lookups.Add(1)
	if p.storedErr != nil {
		return nil, p.storedErr
	}
	return p.stored.Clone(), nil
}

func (p *stubProvider) SignOut(context.Context) error {
	p.signOuts.Add(1)
	return p.signOutErr
}

func (p *stubProvider) HandleTokenExpiry(ctx context.Context, view SessionView, req *http.Request) (TokenRefreshResult, error) {
	p.refreshes.Add(1)
	if p.refresh == nil {
		return TokenRefreshResult{}, errors.New("refresh not supported")
	}
	return p.refresh(ctx, view, req)
}

func (p *stubProvider) Metadata() ProviderMetadata { return p.metadata }

// anonymousStubProvider adds the anonymous lifecycle capabilities.
type anonymousStubProvider struct {
	*stubProvider
	startErr   error
	convertErr error
	converted  RawSession

	mu       sync.Mutex
	cached   []NormalizedSession
	starts   atomic.Int32
	converts atomic.Int32
}

func newAnonymousStubProvider(name string) *anonymousStubProvider {
	return &anonymousStubProvider{stubProvider: newStubProvider(name)}
}

func (p *anonymousStubProvider) StartAnonymousSession(context.Context) (RawSession, error) {
	count := p.starts.Add(1)
	if p.startErr != nil {
		return nil, p.startErr
	}
	return RawSession{
		RawKeyAccessToken: "anon-token",
		RawKeyIsAnonymous: true,
		RawKeyUser:        map[string]any{"id": "anon-" + strconv.Itoa(int(count))},
	}, nil
}

func (p *anonymousStubProvider) ConvertAnonymousAccount(_ context.Context, email, _ string, _ map[string]any) (RawSession, error) {
	p.converts.Add(1)
	if p.convertErr != nil {
		return nil, p.convertErr
	}
	if p.converted != nil {
		return p.converted.Clone(), nil
	}
	return RawSession{
		RawKeyAccessToken: "full-token",
		RawKeyUser:        map[string]any{"id": "user-1", "email": email},
	}, nil
}

func (p *anonymousStubProvider) CacheSessionMeta(_ context.Context, session NormalizedSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = append(p.cached, session)
	return nil
}

func (p *anonymousStubProvider) cachedSessions() []NormalizedSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NormalizedSession(nil), p.cached...)
}

// linkingStubProvider adds credential sign in and account linking.
type linkingStubProvider struct {
	*stubProvider
	linkErr error
	links   atomic.Int32
}

func newLinkingStubProvider(name string) *linkingStubProvider {
	return &linkingStubProvider{stubProvider: newStubProvider(name)}
}

func (p *linkingStubProvider) SignIn(_ context.Context, email, _ string) (RawSession, error) {
	return RawSession{
		RawKeyAccessToken: p.name + "-token",
		RawKeyUser:        map[string]any{"id": "user-" + p.name, "email": email},
	}, nil
}

func (p *linkingStubProvider) LinkAccount(_ context.Context, view SessionView, _ map[string]any) (*Profile, error) {
	p.links.Add(1)
	if p.linkErr != nil {
		return nil, p.linkErr
	}
	return &Profile{
		Provider:        view.CurrentProvider(),
		LinkedProviders: map[string]string{p.name: "linked-" + p.name},
	}, nil
}

type fixedLimiter struct {
	mu      sync.Mutex
	denied  map[string]bool
	checked []string
}

func (l *fixedLimiter) CheckRateLimit(_ context.Context, action string) RateLimitDecision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checked = append(l.checked, action)
	if l.denied[action] {
		return RateLimitDecision{Allowed: false, RetryAfter: 30 * time.Second}
	}
	return RateLimitDecision{Allowed: true, Remaining: 1}
}

type captureReporter struct {
	mu      sync.Mutex
	reports []ErrorReport
}

func (r *captureReporter) Report(_ context.Context, report ErrorReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *captureReporter) snapshot() []ErrorReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorReport(nil), r.reports...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testConfig keeps retries fast and the profile endpoint disabled unless a
// test sets Backend.BaseURL.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.FixedDelay = time.Millisecond
	cfg.Retry.JitterRange = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Timeouts.TokenRefresh = 2 * time.Second
	return cfg
}

func newTestStore(cfg Config, opts ...Option) (*SessionStore, error) {
	base := []Option{WithRandom(func() float64 { return 0 })}
	return NewSessionStore(cfg, append(base, opts...)...)
}

func fullSession(token, userID string) RawSession {
	return RawSession{
		RawKeyAccessToken: token,
		RawKeyUser:        map[string]any{"id": userID, "email": userID + "@example.com"},
	}
}
