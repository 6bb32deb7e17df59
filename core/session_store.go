package core

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/singleflight"
)

// SessionStore owns the active session and drives it through the
// unauthenticated, anonymous and full states. Its lock is never held across
// provider or network calls.
type SessionStore struct {
	cfg            Config
	registry       *ProviderRegistry
	breakers       *CircuitBreakers
	limiter        ActionLimiter
	coordinator    *RefreshCoordinator
	policy         RetryPolicy
	httpClient     HTTPDoer
	obs            *observer
	loggerProvider LoggerProvider
	errorMapper    ErrorMapper
	profileGroup   singleflight.Group

	mu                  sync.RWMutex
	session             *NormalizedSession
	provider            string
	profile             *Profile
	nextRefreshAt       time.Time
	lastProfileAt       time.Time
	healthy             bool
	lastError           error
	profileAuthFailures int
	defaultHeaders      http.Header

	listenersMu  sync.Mutex
	listeners    map[uint64]func(SessionSnapshot)
	nextListener uint64
}

func NewSessionStore(cfg Config, opts ...Option) (*SessionStore, error) {
	builder := defaultStoreBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("authsession", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("authsession.store"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorReporter == nil {
		builder.errorReporter = NopErrorReporter{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.registry == nil {
		builder.registry = NewProviderRegistry()
	}
	if builder.clock == nil {
		builder.clock = time.Now
	}
	if builder.rateLimiter == nil {
		builder.rateLimiter = AllowAllLimiter{}
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.httpClient == nil {
		builder.httpClient = &http.Client{Timeout: finalConfig.Timeouts.Request}
	}

	for _, p := range builder.providers {
		if p == nil || !finalConfig.ProviderEnabled(p.Name()) {
			continue
		}
		if err := builder.registry.Register(p); err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	policy := NewRetryPolicy(finalConfig.Retry)
	policy.Random = builder.random
	policy.Now = builder.clock

	store := &SessionStore{
		cfg:            finalConfig,
		registry:       builder.registry,
		breakers:       NewCircuitBreakers(finalConfig.breakerConfig(), builder.clock),
		limiter:        builder.rateLimiter,
		coordinator:    NewRefreshCoordinator(),
		policy:         policy,
		httpClient:     builder.httpClient,
		loggerProvider: provider,
		errorMapper:    builder.errorMapper,
		obs: &observer{
			logger:   logger,
			metrics:  builder.metricsRecorder,
			reporter: builder.errorReporter,
			now:      builder.clock,
		},
		healthy:   true,
		listeners: map[uint64]func(SessionSnapshot){},
	}
	store.breakers.observeTransitions(func(from, to BreakerSnapshot) {
		store.obs.recordCounter(context.Background(), MetricBreakerTransition, 1, map[string]string{
			"breaker": to.Name,
			"from":    string(from.State),
			"to":      string(to.State),
		})
		store.obs.logWarn(context.Background(), "circuit breaker transition", map[string]any{
			"breaker":       to.Name,
			"from":          string(from.State),
			"to":            string(to.State),
			"failure_count": to.FailureCount,
		})
	})
	return store, nil
}

func (s *SessionStore) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.cfg
}

func (s *SessionStore) Registry() *ProviderRegistry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *SessionStore) Breakers() *CircuitBreakers {
	if s == nil {
		return nil
	}
	return s.breakers
}

func (s *SessionStore) Coordinator() *RefreshCoordinator {
	if s == nil {
		return nil
	}
	return s.coordinator
}

func (s *SessionStore) RetryPolicy() RetryPolicy {
	if s == nil {
		return RetryPolicy{}
	}
	return s.policy
}

func (s *SessionStore) LoggerProvider() LoggerProvider {
	if s == nil {
		return nil
	}
	return s.loggerProvider
}

// CurrentSession returns a deep copy of the active session, or nil.
func (s *SessionStore) CurrentSession() *NormalizedSession {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cloned := s.session.Clone()
	return &cloned
}

func (s *SessionStore) CurrentProvider() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

func (s *SessionStore) Token() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.AccessToken
}

func (s *SessionStore) IsAuthenticated() bool {
	return s.Token() != ""
}

// MapError converts err into the error envelope exposed to callers, using the
// configured ErrorMapper.
func (s *SessionStore) MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	mapper := defaultErrorMapper
	if s != nil && s.errorMapper != nil {
		mapper = s.errorMapper
	}
	mapped := mapper(err)
	if mapped == nil {
		return authErrorMapper(err)
	}
	return mapped
}

func (s *SessionStore) LastError() error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// DefaultHeaders returns the credential headers applied to outbound requests.
func (s *SessionStore) DefaultHeaders() http.Header {
	if s == nil {
		return http.Header{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultHeaders.Clone()
}

func (s *SessionStore) Snapshot() SessionSnapshot {
	if s == nil {
		return SessionSnapshot{Status: SessionStatusUnauthenticated}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *SessionStore) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		Status:        SessionStatusUnauthenticated,
		Provider:      s.provider,
		Profile:       s.profile.Clone(),
		NextRefreshAt: s.nextRefreshAt,
		LastProfileAt: s.lastProfileAt,
		Healthy:       s.healthy,
		LastError:     s.lastError,
	}
	if s.session != nil {
		cloned := s.session.Clone()
		snap.Session = &cloned
		snap.Status = SessionStatusAuthenticated
		if cloned.IsAnonymous {
			snap.Status = SessionStatusAnonymous
		}
	}
	if s.profile != nil {
		snap.LinkedProviders = cloneStringMap(s.profile.LinkedProviders)
	}
	return snap
}

// OnChange registers a listener invoked with a fresh snapshot after every
// state change. The returned function unregisters it.
func (s *SessionStore) OnChange(listener func(SessionSnapshot)) func() {
	if s == nil || listener == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = listener
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *SessionStore) notify(ctx context.Context) {
	s.listenersMu.Lock()
	listeners := make([]func(SessionSnapshot), 0, len(s.listeners))
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.listenersMu.Unlock()
	if len(listeners) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, listener := range listeners {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					s.obs.logError(ctx, "session listener panicked", map[string]any{"panic": fmt.Sprint(recovered)})
				}
			}()
			listener(snap)
		}()
	}
}

// SetSession adopts raw for providerName. A nil raw value signs the store out
// locally; it is idempotent. The provider is resolved from the explicit name,
// then the raw provider hint, then the configured default.
func (s *SessionStore) SetSession(ctx context.Context, raw RawSession, providerName string) error {
	if s == nil {
		return fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	if raw == nil {
		s.clearSession(ctx)
		return nil
	}

	name := firstNonEmpty(providerName, raw.String(RawKeyProvider), s.cfg.Providers.Default)
	provider, ok := s.registry.Get(name)
	if !ok {
		err := NewAuthError(fmt.Sprintf("provider not registered: %q", name), goerrors.CategoryNotFound, ErrorProviderNotFound).
			WithMetadata(map[string]any{"provider": name})
		s.recordError(ctx, "set_session", name, err)
		return err
	}

	normalized, ok := provider.NormalizeSession(raw)
	if !ok || !normalized.Authenticated() {
		err := NewAuthError("provider returned an unusable session", goerrors.CategoryAuth, ErrorSessionInvalid).
			WithMetadata(map[string]any{"provider": name})
		s.recordError(ctx, "set_session", name, err)
		return err
	}
	if strings.TrimSpace(normalized.Provider) == "" {
		normalized.Provider = name
	}

	previousProvider := s.adopt(normalized, name)
	if previousProvider != "" && previousProvider != name {
		s.coordinator.Reset(errRefreshSuperseded())
	}
	s.cacheSessionMeta(ctx, name, normalized)
	s.obs.logDebug(ctx, "session adopted", map[string]any{
		"provider":     name,
		"is_anonymous": normalized.IsAnonymous,
	})
	s.notify(ctx)
	return nil
}

// adopt stores normalized as the active session and returns the previously
// active provider name.
func (s *SessionStore) adopt(normalized NormalizedSession, providerName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.provider
	sameIdentity := s.session != nil &&
		previous == providerName &&
		!s.session.IsAnonymous &&
		s.session.ProviderID != "" &&
		s.session.ProviderID == normalized.ProviderID
	cloned := normalized.Clone()
	s.session = &cloned
	s.provider = providerName
	s.nextRefreshAt = s.computeNextRefresh(cloned.ExpiresAt)
	s.lastError = nil
	s.healthy = true
	if normalized.IsAnonymous || !sameIdentity {
		s.profile = nil
		s.lastProfileAt = time.Time{}
		s.profileAuthFailures = 0
	}
	s.defaultHeaders = credentialHeaders(cloned.AccessToken, providerName)
	return previous
}

func (s *SessionStore) computeNextRefresh(expiresAt *time.Time) time.Time {
	if expiresAt == nil || expiresAt.IsZero() {
		return time.Time{}
	}
	return expiresAt.Add(-s.cfg.Session.RefreshBuffer)
}

func credentialHeaders(token, provider string) http.Header {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	if provider != "" {
		headers.Set(HeaderAuthProvider, provider)
	}
	return headers
}

func (s *SessionStore) cacheSessionMeta(ctx context.Context, providerName string, session NormalizedSession) {
	meta := NormalizedSession{
		Provider:    session.Provider,
		ProviderID:  session.ProviderID,
		IsAnonymous: session.IsAnonymous,
		User:        session.User.Clone(),
		ExpiresAt:   session.ExpiresAt,
	}
	if s.cfg.Session.TokenStorage == TokenStorageSession {
		meta.AccessToken = session.AccessToken
	}
	if _, err := s.registry.CallCapability(ctx, providerName, CapabilityCacheSessionMeta, CapabilityInput{Session: meta}); err != nil {
		s.obs.logWarn(ctx, "cache session meta failed", map[string]any{
			"provider": providerName,
			"error":    err.Error(),
		})
	}
}

// clearSession moves the store to unauthenticated and abandons any running
// refresh.
func (s *SessionStore) clearSession(ctx context.Context) {
	s.mu.Lock()
	changed := s.session != nil || s.profile != nil || s.provider != ""
	s.session = nil
	s.provider = ""
	s.profile = nil
	s.nextRefreshAt = time.Time{}
	s.lastProfileAt = time.Time{}
	s.profileAuthFailures = 0
	s.defaultHeaders = http.Header{}
	s.mu.Unlock()

	s.coordinator.Reset(NewAuthError("session cleared", goerrors.CategoryAuth, ErrorSessionExpired))
	if changed {
		s.notify(ctx)
	}
}

// SignOut delegates to the active provider with a single retry and then
// clears local state unconditionally. Provider failures are logged and
// reported, never returned.
func (s *SessionStore) SignOut(ctx context.Context) {
	if s == nil {
		return
	}
	ctx = contextOrBackground(ctx)
	startedAt := s.obs.clock()
	providerName := s.CurrentProvider()

	var signOutErr error
	if provider, ok := s.registry.Get(providerName); ok {
		for attempt := 0; attempt < 2; attempt++ {
			if signOutErr = safeProviderCall(func() error { return provider.SignOut(ctx) }); signOutErr == nil {
				break
			}
		}
	}

	s.clearSession(ctx)
	s.breakers.ResetAll()
	s.mu.Lock()
	s.healthy = true
	s.lastError = nil
	s.mu.Unlock()

	if signOutErr != nil {
		wrapped := wrapAuthError(signOutErr, goerrors.CategoryExternal, ErrorSignOutFailed, "provider sign out failed")
		s.obs.reportError(ctx, "sign_out", providerName, wrapped)
		s.obs.observeOperation(ctx, startedAt, "sign_out", wrapped, map[string]any{"provider": providerName})
		return
	}
	s.obs.observeOperation(ctx, startedAt, "sign_out", nil, map[string]any{"provider": providerName})
}

// Initialize restores the first usable stored session, trying providers in
// registration order. When none is found and auto start is configured an
// anonymous session is attempted; that failure is not fatal.
func (s *SessionStore) Initialize(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	startedAt := s.obs.clock()

	for _, provider := range s.registry.List() {
		if err := ctx.Err(); err != nil {
			wrapped := wrapAuthError(err, goerrors.CategoryOperation, ErrorInitializationFailed, "initialization interrupted")
			s.obs.observeOperation(ctx, startedAt, "initialize", wrapped, nil)
			return wrapped
		}
		name := provider.Name()
		raw := s.storedSession(ctx, provider)
		if raw == nil {
			continue
		}
		if err := s.SetSession(ctx, raw, name); err != nil {
			continue
		}
		if session := s.CurrentSession(); session != nil && !session.IsAnonymous {
			if err := s.FetchProfile(ctx); err != nil {
				s.obs.logWarn(ctx, "stored session failed validation", map[string]any{
					"provider": name,
					"error":    err.Error(),
				})
				if s.IsAuthenticated() {
					s.SignOut(ctx)
				}
				continue
			}
		}
		s.obs.observeOperation(ctx, startedAt, "initialize", nil, map[string]any{"provider": name})
		return nil
	}

	if s.cfg.Anonymous.AutoStart && s.cfg.Anonymous.Enabled {
		if _, err := s.StartAnonymousSession(ctx); err != nil {
			s.obs.logWarn(ctx, "auto anonymous session failed", map[string]any{"error": err.Error()})
		}
	}
	s.obs.observeOperation(ctx, startedAt, "initialize", nil, map[string]any{"restored": false})
	return nil
}

// storedSession asks provider for a persisted session with one retry.
// Failures are logged and reported as no session.
func (s *SessionStore) storedSession(ctx context.Context, provider Provider) RawSession {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var raw RawSession
		err := safeProviderCall(func() error {
			var callErr error
			raw, callErr = provider.GetStoredSession(ctx)
			return callErr
		})
		if err == nil {
			return raw
		}
		lastErr = err
	}
	s.obs.logWarn(ctx, "stored session lookup failed", map[string]any{
		"provider": provider.Name(),
		"error":    lastErr.Error(),
	})
	return nil
}

func (s *SessionStore) recordError(ctx context.Context, operation string, provider string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	s.obs.logWarn(ctx, operation+" failed", map[string]any{
		"provider":  provider,
		"error":     err.Error(),
		"text_code": TextCodeOf(err),
	})
	s.obs.reportError(ctx, operation, provider, err)
}

func (s *SessionStore) checkRateLimit(ctx context.Context, action string) error {
	if s.cfg.RateLimit.Disabled {
		return nil
	}
	decision := s.limiter.CheckRateLimit(ctx, action)
	if decision.Allowed {
		return nil
	}
	s.obs.recordCounter(ctx, MetricRateLimitDenied, 1, map[string]string{"action": action})
	return NewAuthError("rate limit exceeded for "+action, goerrors.CategoryRateLimit, ErrorRateLimited).
		WithMetadata(map[string]any{
			"action":         action,
			"retry_after_ms": decision.RetryAfter.Milliseconds(),
		})
}

// safeProviderCall converts provider panics into errors so a misbehaving
// provider cannot abort a fallback loop.
func safeProviderCall(call func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: provider panicked: %v", recovered)
		}
	}()
	return call()
}

// AllowAllLimiter is used when no limiter is configured.
type AllowAllLimiter struct{}

func (AllowAllLimiter) CheckRateLimit(context.Context, string) RateLimitDecision {
	return RateLimitDecision{Allowed: true, Remaining: -1}
}
