package core

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRefreshSession_RequiresActiveSession(t *testing.T) {
	store, err := newTestStore(testConfig(), WithProviders(newStubProvider("oauth")))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.RefreshSession(context.Background()); !HasTextCode(err, ErrorSessionExpired) {
		t.Fatalf("expected session expired without a session, got %v", err)
	}
}

func TestRefreshSession_KeepsUserAndProviderID(t *testing.T) {
	provider := newStubProvider("oauth")
	provider.refresh = func(context.Context, SessionView, *http.Request) (TokenRefreshResult, error) {
		return TokenRefreshResult{Session: RawSession{RawKeyAccessToken: "token-2"}}, nil
	}
	store, err := newTestStore(testConfig(), WithProviders(provider))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := store.RefreshSession(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	session := store.CurrentSession()
	if session.AccessToken != "token-2" || session.ProviderID != "user-1" || session.User == nil {
		t.Fatalf("unexpected refreshed session: %+v", session)
	}
	if got := store.DefaultHeaders().Get(HeaderAuthorization); got != "Bearer token-2" {
		t.Fatalf("expected refreshed credential header, got %q", got)
	}
}

func TestRefreshSession_FailureKeepsSession(t *testing.T) {
	provider := newStubProvider("oauth")
	provider.refresh = func(context.Context, SessionView, *http.Request) (TokenRefreshResult, error) {
		return TokenRefreshResult{}, errors.New("refresh token revoked")
	}
	store, err := newTestStore(testConfig(), WithProviders(provider))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := store.RefreshSession(context.Background()); !HasTextCode(err, ErrorSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if !store.IsAuthenticated() || provider.signOuts.Load() != 0 {
		t.Fatalf("expected proactive refresh failure to keep the session")
	}
}

func TestRefreshSession_TimesOut(t *testing.T) {
	provider := newStubProvider("oauth")
	release := make(chan struct{})
	lateDone := make(chan struct{})
	provider.refresh = func(ctx context.Context, _ SessionView, _ *http.Request) (TokenRefreshResult, error) {
		if provider.refreshes.Load() == 1 {
			defer close(lateDone)
			<-release
			return TokenRefreshResult{Session: RawSession{RawKeyAccessToken: "late"}}, nil
		}
		return TokenRefreshResult{Session: RawSession{RawKeyAccessToken: "token-2"}}, nil
	}
	cfg := testConfig()
	cfg.Timeouts.TokenRefresh = 20 * time.Millisecond
	store, err := newTestStore(cfg, WithProviders(provider))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetSession(context.Background(), fullSession("token-1", "user-1"), "oauth"); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if err := store.RefreshSession(context.Background()); !HasTextCode(err, ErrorSessionExpired) {
		t.Fatalf("expected timeout to surface as session expired, got %v", err)
	}

	close(release)
	select {
	case <-lateDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("late refresh never returned")
	}
	// Give the abandoned call time to hand off its result.
	time.Sleep(10 * time.Millisecond)

	if store.Token() != "token-1" {
		t.Fatalf("expected the late result to be dropped, got %q", store.Token())
	}
	if store.Coordinator().InProgress() {
		t.Fatalf("expected the coordinator to be released after the timeout")
	}

	if err := store.RefreshSession(context.Background()); err != nil {
		t.Fatalf("expected a refresh after the timeout to succeed, got %v", err)
	}
	if store.Token() != "token-2" {
		t.Fatalf("expected refreshed token, got %q", store.Token())
	}
	if got := provider.refreshes.Load(); got != 2 {
		t.Fatalf("expected two provider refreshes, got %d", got)
	}
}
