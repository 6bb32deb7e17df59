package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-authsession/core"
)

type fakeBackend struct {
	mu           sync.Mutex
	refreshBody  map[string]any
	logouts      int
	logoutBearer string
	convertAuth  string
}

func (f *fakeBackend) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/auth/backend/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: "csrf-1", Path: "/"})
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "tok-1",
			"refresh_token": "r-1",
			"expires_in":    3600,
			"user":          map[string]any{"id": "u-1", "email": body["email"]},
		})
	})
	r.Post("/api/auth/backend/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") != "csrf-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.refreshBody = body
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"session": map[string]any{"access_token": "tok-2", "expires_in": 3600},
		})
	})
	r.Post("/api/auth/backend/link", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["provider"] == "taken" {
			writeJSON(w, http.StatusConflict, map[string]any{"code": "EMAIL_EXISTS"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":             map[string]any{"id": "u-1"},
			"provider":         "backend",
			"linked_providers": map[string]string{body["provider"]: "ext-1"},
		})
	})
	r.Post("/api/auth/backend/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logouts++
		f.logoutBearer = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/auth/anonymous", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"token": "anon-1"})
	})
	r.Post("/api/auth/backend/convert", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.convertAuth = r.Header.Get("Authorization")
		f.mu.Unlock()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] == "taken@example.com" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"code": "EMAIL_EXISTS"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "full-1",
			"user":         map[string]any{"id": "u-9", "email": body["email"]},
		})
	})
	r.Post("/api/auth/backend/callback", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["code"] != "code-1" || body["state"] != "st" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "relay-1"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func newTestProvider(t *testing.T, backend *fakeBackend, mutate func(*Config)) (*Provider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(backend.routes())
	t.Cleanup(server.Close)
	cfg := Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	provider, err := New(cfg)
	if err != nil {
		t.Fatalf("new backend provider: %v", err)
	}
	return provider, server
}

type staticView struct {
	session *core.NormalizedSession
}

func (v staticView) CurrentSession() *core.NormalizedSession { return v.session }
func (v staticView) CurrentProvider() string                 { return DefaultName }

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected base url to be required")
	}
}

func TestProvider_SignInThenRefreshEchoesCSRFCookie(t *testing.T) {
	backend := &fakeBackend{}
	provider, server := newTestProvider(t, backend, nil)

	raw, err := provider.SignIn(context.Background(), "ada@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	session, ok := provider.NormalizeSession(raw)
	if !ok || session.AccessToken != "tok-1" || session.User == nil || session.User.ID != "u-1" {
		t.Fatalf("unexpected normalized session: %+v", session)
	}
	if session.ExpiresAt == nil || !session.ExpiresAt.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected expires_in to resolve against the provider clock, got %v", session.ExpiresAt)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/items", nil)
	result, err := provider.HandleTokenExpiry(context.Background(), staticView{session: &session}, req)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if result.Session.String(core.RawKeyAccessToken) != "tok-2" {
		t.Fatalf("expected refreshed token, got %+v", result.Session)
	}
	if result.Request == nil || result.Request.Header.Get("Authorization") != "Bearer tok-2" {
		t.Fatalf("expected re-signed request")
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("expected the original request to be left untouched")
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.refreshBody["refresh_token"] != "r-1" {
		t.Fatalf("expected refresh token in the refresh body, got %+v", backend.refreshBody)
	}
}

func TestProvider_RefreshWithoutCSRFCookieFails(t *testing.T) {
	provider, _ := newTestProvider(t, &fakeBackend{}, nil)
	_, err := provider.HandleTokenExpiry(context.Background(), nil, nil)
	if !core.HasTextCode(err, core.ErrorRequestUnauthorized) {
		t.Fatalf("expected forbidden refresh to be an auth request error, got %v", err)
	}
}

func TestProvider_LinkAccountMapsEmailExists(t *testing.T) {
	provider, _ := newTestProvider(t, &fakeBackend{}, func(cfg *Config) { cfg.SupportsLinking = true })
	view := staticView{session: &core.NormalizedSession{AccessToken: "tok-1", Provider: DefaultName}}

	profile, err := provider.LinkAccount(context.Background(), view, map[string]any{"provider": "google"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if profile.LinkedProviders["google"] != "ext-1" || profile.FetchedAt.IsZero() {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	_, err = provider.LinkAccount(context.Background(), view, map[string]any{"provider": "taken"})
	if !core.HasTextCode(err, core.ErrorAccountExists) {
		t.Fatalf("expected account exists, got %v", err)
	}

	if _, err := provider.LinkAccount(context.Background(), staticView{}, nil); !core.HasTextCode(err, core.ErrorSessionInvalid) {
		t.Fatalf("expected session invalid without an active session, got %v", err)
	}
	if !provider.Metadata().SupportsLinking {
		t.Fatalf("expected linking to be advertised")
	}
}

func TestProvider_AnonymousStartAndConvert(t *testing.T) {
	backend := &fakeBackend{}
	server := httptest.NewServer(backend.routes())
	defer server.Close()

	built, err := Build(Config{BaseURL: server.URL, HTTPClient: server.Client(), SupportsAnonymous: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	starter, ok := built.(core.AnonymousSessionStarter)
	if !ok {
		t.Fatalf("expected anonymous capability when SupportsAnonymous is set")
	}
	raw, err := starter.StartAnonymousSession(context.Background())
	if err != nil {
		t.Fatalf("start anonymous: %v", err)
	}
	session, ok := built.NormalizeSession(raw)
	if !ok || !session.IsAnonymous || session.AccessToken != "anon-1" {
		t.Fatalf("unexpected anonymous session: %+v", session)
	}

	converter := built.(core.AnonymousAccountConverter)
	converted, err := converter.ConvertAnonymousAccount(context.Background(), "ada@example.com", "secret-pass", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if converted.String(core.RawKeyAccessToken) != "full-1" || converted.Bool(core.RawKeyIsAnonymous) {
		t.Fatalf("unexpected converted session: %+v", converted)
	}
	backend.mu.Lock()
	auth := backend.convertAuth
	backend.mu.Unlock()
	if auth != "Bearer anon-1" {
		t.Fatalf("expected conversion to carry the anonymous token, got %q", auth)
	}

	if _, err := converter.ConvertAnonymousAccount(context.Background(), "taken@example.com", "secret-pass", nil); !core.HasTextCode(err, core.ErrorAccountExists) {
		t.Fatalf("expected account exists on conversion conflict, got %v", err)
	}

	plain, err := Build(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("build plain: %v", err)
	}
	if _, ok := plain.(core.AnonymousSessionStarter); ok {
		t.Fatalf("expected no anonymous capability by default")
	}
}

func TestProvider_SignOutClearsStoredSessionAndNotifies(t *testing.T) {
	backend := &fakeBackend{}
	storage := newMemoryKV()
	provider, _ := newTestProvider(t, backend, func(cfg *Config) { cfg.Storage = storage })

	raw, err := provider.SignIn(context.Background(), "ada@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	session, _ := provider.NormalizeSession(raw)
	if err := provider.CacheSessionMeta(context.Background(), session); err != nil {
		t.Fatalf("cache meta: %v", err)
	}
	stored, err := provider.GetStoredSession(context.Background())
	if err != nil || stored.String(core.RawKeyAccessToken) != "tok-1" || stored.String(core.RawKeyRefreshToken) != "r-1" {
		t.Fatalf("expected stored session with refresh material, got %+v %v", stored, err)
	}

	if err := provider.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if stored, _ := provider.GetStoredSession(context.Background()); stored != nil {
		t.Fatalf("expected stored session to be cleared, got %+v", stored)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.logouts != 1 || backend.logoutBearer != "Bearer tok-1" {
		t.Fatalf("expected one logout with the session token, got %d %q", backend.logouts, backend.logoutBearer)
	}
}

func TestProvider_MemoryModeNeverPersistsRefreshMaterial(t *testing.T) {
	storage := newMemoryKV()
	provider, _ := newTestProvider(t, &fakeBackend{}, func(cfg *Config) { cfg.Storage = storage })
	raw, err := provider.SignIn(context.Background(), "ada@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	session, _ := provider.NormalizeSession(raw)
	session.AccessToken = ""
	if err := provider.CacheSessionMeta(context.Background(), session); err != nil {
		t.Fatalf("cache meta: %v", err)
	}
	if stored, _ := provider.GetStoredSession(context.Background()); stored != nil {
		t.Fatalf("expected identity-only metadata to be unrestorable, got %+v", stored)
	}
	payload := storage.raw("session:backend")
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if _, ok := decoded["refresh_token"]; ok {
		t.Fatalf("expected no refresh token in memory mode, got %s", payload)
	}
}

func TestProvider_CompleteOAuthRelay(t *testing.T) {
	provider, _ := newTestProvider(t, &fakeBackend{}, nil)

	raw, err := provider.CompleteOAuthRelay(context.Background(), url.Values{"code": {"code-1"}, "state": {"st"}})
	if err != nil || raw.String(core.RawKeyAccessToken) != "relay-1" {
		t.Fatalf("expected code exchange, got %+v %v", raw, err)
	}

	raw, err = provider.CompleteOAuthRelay(context.Background(), url.Values{"token": {"direct-1"}, "expires_in": {"60"}})
	if err != nil {
		t.Fatalf("direct relay: %v", err)
	}
	session, ok := provider.NormalizeSession(raw)
	if !ok || session.AccessToken != "direct-1" || session.ExpiresAt == nil {
		t.Fatalf("unexpected relay session: %+v", session)
	}

	_, err = provider.CompleteOAuthRelay(context.Background(), url.Values{"error": {"access_denied"}})
	if !core.HasTextCode(err, core.ErrorSessionInvalid) {
		t.Fatalf("expected relay error to be surfaced, got %v", err)
	}
	if _, err := provider.CompleteOAuthRelay(context.Background(), url.Values{}); err == nil {
		t.Fatalf("expected empty relay to fail")
	}
}

func TestProvider_OAuthRelayStateIsOneTime(t *testing.T) {
	states := core.NewKeyValueOAuthStateStore(newMemoryKV(), time.Minute, nil)
	provider, server := newTestProvider(t, &fakeBackend{}, func(cfg *Config) { cfg.StateStore = states })

	target, err := provider.BeginOAuthRelay(context.Background(), "http://localhost:9999/callback")
	if err != nil {
		t.Fatalf("begin relay: %v", err)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse relay url: %v", err)
	}
	if !strings.HasPrefix(target, server.URL+"/api/auth/backend/authorize?") {
		t.Fatalf("unexpected relay url %q", target)
	}
	state := parsed.Query().Get("state")
	if state == "" || parsed.Query().Get("redirect_uri") != "http://localhost:9999/callback" {
		t.Fatalf("expected state and redirect in relay url, got %q", target)
	}

	if _, err := provider.CompleteOAuthRelay(context.Background(), url.Values{"code": {"code-1"}, "state": {"forged"}}); !core.HasTextCode(err, core.ErrorSessionInvalid) {
		t.Fatalf("expected forged state to be rejected, got %v", err)
	}
	raw, err := provider.CompleteOAuthRelay(context.Background(), url.Values{"code": {"code-1"}, "state": {state}})
	if err != nil || raw.String(core.RawKeyAccessToken) != "relay-1" {
		t.Fatalf("expected relay with issued state to complete, got %+v %v", raw, err)
	}
	if _, err := provider.CompleteOAuthRelay(context.Background(), url.Values{"code": {"code-1"}, "state": {state}}); !core.HasTextCode(err, core.ErrorSessionInvalid) {
		t.Fatalf("expected replayed state to be rejected, got %v", err)
	}
}

type memoryKV struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string][]byte{}}
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if !ok {
		return nil, core.ErrStorageNotFound
	}
	return append([]byte(nil), value...), nil
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *memoryKV) raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}
