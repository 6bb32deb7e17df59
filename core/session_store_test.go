package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestSessionStore_InitializeRestoresFirstStoredSession(t *testing.T) {
	local := newAnonymousStubProvider("local")
	oauthA := newAnonymousStubProvider("oauthA")
	oauthA.stored = fullSession("oauth-token", "user-7")

	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	cfg.Anonymous.AutoStart = true
	store, err := newTestStore(cfg, WithProviders(local, oauthA))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := store.Snapshot()
	if snap.Status != SessionStatusAuthenticated || snap.Provider != "oauthA" {
		t.Fatalf("expected full session under oauthA, got %s/%s", snap.Status, snap.Provider)
	}
	if snap.Token() != "oauth-token" {
		t.Fatalf("expected stored token, got %q", snap.Token())
	}
	if local.lookups.Load() != 1 || oauthA.lookups.Load() != 1 {
		t.Fatalf("expected one stored session lookup per provider")
	}
	if local.starts.Load() != 0 || oauthA.starts.Load() != 0 {
		t.Fatalf("expected no auto anonymous attempt")
	}
	if oauthA.converts.Load() != 0 {
		t.Fatalf("expected no conversion attempt")
	}
}

func TestSessionStore_InitializeSkipsRejectedStoredSession(t *testing.T) {
	var profileCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		profileCalls.Add(1)
		if r.Header.Get(HeaderAuthorization) != "Bearer second-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user":     map[string]any{"id": "user-2"},
			"provider": r.Header.Get(HeaderAuthProvider),
		})
	}))
	defer server.Close()

	first := newStubProvider("first")
	first.stored = fullSession("first-token", "user-1")
	second := newStubProvider("second")
	second.stored = fullSession("second-token", "user-2")

	cfg := testConfig()
	cfg.Backend.BaseURL = server.URL
	cfg.Session.ProfileAuthFailureThreshold = 1
	metrics := &captureMetricsRecorder{}
	store, err := newTestStore(cfg, WithProviders(first, second), WithMetricsRecorder(metrics))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	snap := store.Snapshot()
	if snap.Provider != "second" || snap.Token() != "second-token" {
		t.Fatalf("expected session under second, got %s/%q", snap.Provider, snap.Token())
	}
	if got := first.signOuts.Load(); got != 1 {
		t.Fatalf("expected one sign out of first, got %d", got)
	}
	if got := second.signOuts.Load(); got != 0 {
		t.Fatalf("expected second to stay signed in, got %d sign outs", got)
	}
	if got := profileCalls.Load(); got != 2 {
		t.Fatalf("expected one profile call per stored session, got %d", got)
	}
	signOuts := 0
	for _, counter := range metrics.snapshotCounters() {
		if counter.name == "authsession.sign_out.total" {
			signOuts++
		}
	}
	if signOuts != 1 {
		t.Fatalf("expected a single store sign out, got %d", signOuts)
	}
}

func TestSessionStore_InitializeFallsBackToAutoAnonymous(t *testing.T) {
	local := newAnonymousStubProvider("local")
	broken := newStubProvider("oauth")
	broken.storedErr = errors.New("sdk unavailable")

	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	cfg.Anonymous.AutoStart = true
	store, err := newTestStore(cfg, WithProviders(broken, local))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if broken.lookups.Load() != 2 {
		t.Fatalf("expected stored session lookup to be retried once, got %d", broken.lookups.Load())
	}
	snap := store.Snapshot()
	if snap.Status != SessionStatusAnonymous || snap.Provider != "local" {
		t.Fatalf("expected anonymous session under local, got %s/%s", snap.Status, snap.Provider)
	}
}

func TestSessionStore_InitializeWithoutSessionStaysUnauthenticated(t *testing.T) {
	local := newAnonymousStubProvider("local")
	store, err := newTestStore(testConfig(), WithProviders(local))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if store.IsAuthenticated() {
		t.Fatalf("expected unauthenticated store")
	}
	if local.starts.Load() != 0 {
		t.Fatalf("expected anonymous start to stay opt-in")
	}
}

func TestSessionStore_InitializeHonoursCancellation(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Initialize(ctx); !HasTextCode(err, ErrorInitializationFailed) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestSessionStore_SetSessionNilIsIdempotent(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	notifications := 0
	store.OnChange(func(SessionSnapshot) { notifications++ })

	for i := 0; i < 2; i++ {
		if err := store.SetSession(context.Background(), nil, ""); err != nil {
			t.Fatalf("set nil session: %v", err)
		}
	}
	if store.Snapshot().Status != SessionStatusUnauthenticated {
		t.Fatalf("expected unauthenticated store")
	}
	if notifications != 0 {
		t.Fatalf("expected no change notifications, got %d", notifications)
	}
}

func TestSessionStore_SetSessionUnknownProviderLeavesState(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}

	err = store.SetSession(context.Background(), fullSession("token-2", "user-2"), "ghost")
	if !HasTextCode(err, ErrorProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
	if store.Token() != "token-1" || store.CurrentProvider() != "oauth" {
		t.Fatalf("expected previous session to remain active")
	}
	if !HasTextCode(store.LastError(), ErrorProviderNotFound) {
		t.Fatalf("expected last error to be recorded")
	}

	err = store.SetSession(context.Background(), RawSession{RawKeyUser: map[string]any{"id": "u"}}, "oauth")
	if !HasTextCode(err, ErrorSessionInvalid) {
		t.Fatalf("expected invalid session error, got %v", err)
	}
}

func TestSessionStore_SetSessionUsesRawProviderHint(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth"), newStubProvider("backend")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	raw := fullSession("token-1", "user-1")
	raw[RawKeyProvider] = "backend"
	if err := store.SetSession(context.Background(), raw, ""); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if store.CurrentProvider() != "backend" {
		t.Fatalf("expected raw provider hint to be used, got %q", store.CurrentProvider())
	}
	headers := store.DefaultHeaders()
	if headers.Get(HeaderAuthorization) != "Bearer token-1" || headers.Get(HeaderAuthProvider) != "backend" {
		t.Fatalf("unexpected default headers: %v", headers)
	}
}

func TestSessionStore_SignOutClearsStateWhenProviderFails(t *testing.T) {
	provider := newStubProvider("oauth")
	provider.signOutErr = errors.New("remote logout failed")
	store, err := newTestStore(testConfig(), WithProviders(provider))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	store.applyProfile("token-1", &Profile{
		User:            map[string]any{"id": "user-1"},
		LinkedProviders: map[string]string{"google": "g-1"},
	})
	store.Breakers().Auth.RecordFailure()

	store.SignOut(context.Background())

	snap := store.Snapshot()
	if snap.Session != nil || snap.Profile != nil || len(snap.LinkedProviders) != 0 || snap.Provider != "" {
		t.Fatalf("expected cleared state, got %+v", snap)
	}
	if provider.signOuts.Load() != 2 {
		t.Fatalf("expected one retry of provider sign out, got %d calls", provider.signOuts.Load())
	}
	if store.Breakers().Auth.Snapshot().FailureCount != 0 {
		t.Fatalf("expected breakers to be reset")
	}
	if store.DefaultHeaders().Get(HeaderAuthorization) != "" {
		t.Fatalf("expected credential headers to be cleared")
	}
}

func TestSessionStore_SignOutSurvivesProviderPanic(t *testing.T) {
	provider := &panickingProvider{stubProvider: newStubProvider("oauth")}
	store, err := newTestStore(testConfig(), WithProviders(provider))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	store.SignOut(context.Background())
	if store.IsAuthenticated() {
		t.Fatalf("expected sign out to clear state after provider panic")
	}
}

type panickingProvider struct {
	*stubProvider
}

func (p *panickingProvider) SignOut(context.Context) error {
	panic("sdk crashed")
}

func TestSessionStore_ProfileKeptOnlyForSameIdentity(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.SetSession(ctx, fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	store.applyProfile("token-1", &Profile{User: map[string]any{"id": "user-1"}})

	if err := store.SetSession(ctx, fullSession("token-2", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if store.Snapshot().Profile == nil {
		t.Fatalf("expected profile to survive a token change for the same user")
	}

	if err := store.SetSession(ctx, fullSession("token-3", "user-2"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if store.Snapshot().Profile != nil {
		t.Fatalf("expected profile to be dropped for a different user")
	}
}

func TestSessionStore_OnChangeNotifiesInRegistrationOrder(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	var mu sync.Mutex
	var order []string
	store.OnChange(func(SessionSnapshot) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	unsubscribe := store.OnChange(func(SessionSnapshot) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	store.OnChange(func(SessionSnapshot) { panic("listener bug") })

	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	unsubscribe()
	store.SignOut(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("unexpected notifications: %v", order)
	}
	for idx := range want {
		if order[idx] != want[idx] {
			t.Fatalf("unexpected notifications: %v", order)
		}
	}
}

func TestSessionStore_StartAnonymousSession(t *testing.T) {
	failing := newAnonymousStubProvider("broken")
	failing.startErr = errors.New("network unreachable")
	local := newAnonymousStubProvider("local")

	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	store, err := newTestStore(cfg, WithProviders(failing, local))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	session, err := store.StartAnonymousSession(context.Background())
	if err != nil {
		t.Fatalf("start anonymous session: %v", err)
	}
	if !session.IsAnonymous || session.Provider != "local" {
		t.Fatalf("expected anonymous session from local, got %+v", session)
	}
	if got := failing.starts.Load(); got != 2 {
		t.Fatalf("expected the anonymous retry budget to allow one retry, got %d attempts", got)
	}
	if cached := local.cachedSessions(); len(cached) != 1 || cached[0].AccessToken != "" {
		t.Fatalf("expected cached metadata without the token in memory mode, got %+v", cached)
	}
}

func TestSessionStore_StartAnonymousSessionGuards(t *testing.T) {
	local := newAnonymousStubProvider("local")
	store, err := newTestStore(testConfig(), WithProviders(local))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = store.StartAnonymousSession(context.Background())
	if !HasTextCode(err, ErrorAnonymousNotAllowed) {
		t.Fatalf("expected anonymous not allowed, got %v", err)
	}

	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	limiter := &fixedLimiter{denied: map[string]bool{ActionAnonymousStart: true}}
	store, err = newTestStore(cfg, WithProviders(local), WithRateLimiter(limiter))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = store.StartAnonymousSession(context.Background())
	if !HasTextCode(err, ErrorRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if local.starts.Load() != 0 {
		t.Fatalf("expected rate limit to reject before contacting the provider")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata["retry_after_ms"] != int64(30000) {
		t.Fatalf("expected retry_after_ms metadata, got %+v", richErr)
	}
}

func TestSessionStore_ConvertAnonymousAccount(t *testing.T) {
	local := newAnonymousStubProvider("local")
	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	store, err := newTestStore(cfg, WithProviders(local))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	_, err = store.ConvertAnonymousAccount(ctx, "person@example.com", "secret-pass", "")
	if !HasTextCode(err, ErrorAnonymousConversionFailed) {
		t.Fatalf("expected conversion to require an anonymous session, got %v", err)
	}
	if _, err := store.StartAnonymousSession(ctx); err != nil {
		t.Fatalf("start anonymous session: %v", err)
	}

	_, err = store.ConvertAnonymousAccount(ctx, "not-an-email", "secret-pass", "")
	if !HasTextCode(err, ErrorBadInput) {
		t.Fatalf("expected bad input, got %v", err)
	}

	session, err := store.ConvertAnonymousAccount(ctx, " Person@Example.com ", "secret-pass", "Person")
	if err != nil {
		t.Fatalf("convert anonymous account: %v", err)
	}
	if session.IsAnonymous || session.User == nil || session.User.Email != "person@example.com" {
		t.Fatalf("expected full session for the normalized email, got %+v", session)
	}
	if store.Snapshot().Status != SessionStatusAuthenticated {
		t.Fatalf("expected authenticated status after conversion")
	}
	if local.converts.Load() != 1 {
		t.Fatalf("expected one conversion call, got %d", local.converts.Load())
	}
}

func TestSessionStore_ConvertAnonymousAccountKeepsAccountExists(t *testing.T) {
	local := newAnonymousStubProvider("local")
	local.convertErr = NewAuthError("email already registered", goerrors.CategoryConflict, ErrorAccountExists)
	cfg := testConfig()
	cfg.Anonymous.Enabled = true
	store, err := newTestStore(cfg, WithProviders(local))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.StartAnonymousSession(context.Background()); err != nil {
		t.Fatalf("start anonymous session: %v", err)
	}
	_, err = store.ConvertAnonymousAccount(context.Background(), "person@example.com", "secret-pass", "")
	if !HasTextCode(err, ErrorAccountExists) {
		t.Fatalf("expected account exists to pass through, got %v", err)
	}
	if !store.Snapshot().Session.IsAnonymous {
		t.Fatalf("expected the anonymous session to remain active")
	}
}

func TestSessionStore_SignIn(t *testing.T) {
	backend := newLinkingStubProvider("backend")
	limiter := &fixedLimiter{}
	store, err := newTestStore(testConfig(), WithProviders(backend), WithRateLimiter(limiter))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	session, err := store.SignIn(context.Background(), "backend", "person@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.AccessToken != "backend-token" || session.Provider != "backend" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if len(limiter.checked) != 1 || limiter.checked[0] != ActionLogin {
		t.Fatalf("expected login rate limit check, got %v", limiter.checked)
	}

	if _, err := store.SignIn(context.Background(), "ghost", "person@example.com", "secret-pass"); !HasTextCode(err, ErrorProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}
}

func TestSessionStore_ProviderAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.Providers.Enabled = []string{"oauth"}
	store, err := newTestStore(cfg, WithProviders(newStubProvider("oauth"), newStubProvider("backend")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	names := store.Registry().Names()
	if len(names) != 1 || names[0] != "oauth" {
		t.Fatalf("expected allowlist to filter providers, got %v", names)
	}
}

func TestSessionStore_MapError(t *testing.T) {
	store, err := newTestStore(testConfig())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mapped := store.MapError(errors.New("core: something broke"))
	if mapped == nil || mapped.TextCode == "" {
		t.Fatalf("expected mapped envelope, got %+v", mapped)
	}
	if store.MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
