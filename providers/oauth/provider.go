package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers"
	glog "github.com/goliatone/go-logger/glog"
)

const defaultSDKLoadTimeout = 10 * time.Second

// Token is the credential bundle an identity SDK hands back.
type Token struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
}

// SDK is the third-party identity client a provider drives.
type SDK interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	SignOut(ctx context.Context, token Token) error
}

// SessionRestorer is implemented by SDKs that keep their own signed-in user.
type SessionRestorer interface {
	Restore(ctx context.Context) (*Token, error)
}

// CodeExchanger is implemented by SDKs that complete an authorization code
// flow.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (Token, error)
}

// SDKLoader initializes the SDK. It runs once, bounded by SDKLoadTimeout.
type SDKLoader func(ctx context.Context) (SDK, error)

type Config struct {
	Name           string
	DisplayName    string
	Icon           string
	Widget         string
	ClientID       string
	Loader         SDKLoader
	SDKLoadTimeout time.Duration
	Storage        core.KeyValueStore
	StorageTTL     time.Duration
	Now            func() time.Time
	Logger         core.Logger
}

// Provider normalizes third-party identity tokens. Identity is read from the
// ID token claims when present, else from the access token claims.
type Provider struct {
	cfg   Config
	cache *providers.SessionCache

	loadMu  sync.Mutex
	sdk     SDK
	loadErr error
	loaded  bool

	mu           sync.Mutex
	refreshToken string
	idToken      string
}

func New(cfg Config) (*Provider, error) {
	cfg.Name = strings.TrimSpace(strings.ToLower(cfg.Name))
	if cfg.Name == "" {
		return nil, fmt.Errorf("providers: oauth provider name is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("providers: sdk loader is required for provider %q", cfg.Name)
	}
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = strings.ToUpper(cfg.Name[:1]) + cfg.Name[1:]
	}
	if strings.TrimSpace(cfg.Icon) == "" {
		cfg.Icon = cfg.Name
	}
	if strings.TrimSpace(cfg.Widget) == "" {
		cfg.Widget = "button"
	}
	if cfg.SDKLoadTimeout <= 0 {
		cfg.SDKLoadTimeout = defaultSDKLoadTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = glog.Nop()
	}
	return &Provider{
		cfg:   cfg,
		cache: providers.NewSessionCache(cfg.Storage, cfg.Name, cfg.StorageTTL),
	}, nil
}

// NewTokenEndpointProvider wires a provider to a standard token endpoint.
func NewTokenEndpointProvider(cfg Config, endpoint TokenEndpointConfig) (*Provider, error) {
	if endpoint.ClientID == "" {
		endpoint.ClientID = cfg.ClientID
	}
	sdk, err := NewTokenEndpointSDK(endpoint)
	if err != nil {
		return nil, err
	}
	cfg.ClientID = endpoint.ClientID
	cfg.Loader = func(context.Context) (SDK, error) { return sdk, nil }
	return New(cfg)
}

func (p *Provider) Name() string {
	if p == nil {
		return ""
	}
	return p.cfg.Name
}

func (p *Provider) Metadata() core.ProviderMetadata {
	if p == nil {
		return core.ProviderMetadata{}
	}
	return core.ProviderMetadata{
		Name:        p.cfg.Name,
		DisplayName: p.cfg.DisplayName,
		Icon:        p.cfg.Icon,
		Widget:      p.cfg.Widget,
		Configured:  p.cfg.ClientID != "",
	}
}

// SDK returns the loaded SDK, loading it on first use. A failed or timed out
// load is remembered; later calls return the same error.
func (p *Provider) SDK(ctx context.Context) (SDK, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: oauth provider is nil")
	}
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.loaded {
		return p.sdk, p.loadErr
	}

	loadCtx, cancel := context.WithTimeout(ctx, p.cfg.SDKLoadTimeout)
	defer cancel()
	type loadResult struct {
		sdk SDK
		err error
	}
	done := make(chan loadResult, 1)
	go func() {
		sdk, err := p.cfg.Loader(loadCtx)
		done <- loadResult{sdk: sdk, err: err}
	}()

	select {
	case result := <-done:
		p.sdk, p.loadErr = result.sdk, result.err
		if p.loadErr == nil && p.sdk == nil {
			p.loadErr = fmt.Errorf("providers: sdk loader for %q returned nil", p.cfg.Name)
		}
	case <-loadCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation is not a load failure; allow a later retry.
			return nil, ctx.Err()
		}
		p.loadErr = fmt.Errorf("providers: sdk for %q did not load within %s", p.cfg.Name, p.cfg.SDKLoadTimeout)
	}
	p.loaded = true
	if p.loadErr != nil {
		p.cfg.Logger.Warn("oauth sdk load failed", "provider", p.cfg.Name, "error", p.loadErr)
	}
	return p.sdk, p.loadErr
}

func (p *Provider) NormalizeSession(raw core.RawSession) (core.NormalizedSession, bool) {
	if p == nil || raw == nil {
		return core.NormalizedSession{}, false
	}
	idToken := raw.String("id_token")
	accessToken := firstNonEmpty(raw.String(core.RawKeyAccessToken), idToken)
	if accessToken == "" {
		return core.NormalizedSession{}, false
	}
	session := core.NormalizedSession{
		AccessToken: accessToken,
		Provider:    p.cfg.Name,
		ProviderID:  raw.String(core.RawKeyProviderID),
		IsAnonymous: raw.Bool(core.RawKeyIsAnonymous),
		ExpiresAt:   raw.ExpiresAt(p.cfg.Now()),
	}
	if claims, err := core.DecodeTokenClaims(firstNonEmpty(idToken, accessToken)); err == nil {
		session.User = claims.User()
		session.IsAnonymous = session.IsAnonymous || claims.IsAnonymous
		if session.ProviderID == "" {
			session.ProviderID = claims.Subject
		}
		if session.ExpiresAt == nil {
			session.ExpiresAt = claims.ExpiresAt
		}
	} else if fallback, ok := core.NormalizeRawSession(raw, p.cfg.Name, p.cfg.Now()); ok {
		session.User = fallback.User
		if session.ProviderID == "" {
			session.ProviderID = fallback.ProviderID
		}
	}
	p.remember(raw.String(core.RawKeyRefreshToken), idToken)
	return session, true
}

func (p *Provider) remember(refreshToken, idToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if refreshToken != "" {
		p.refreshToken = refreshToken
	}
	if idToken != "" {
		p.idToken = idToken
	}
}

func (p *Provider) tokens() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshToken, p.idToken
}

// GetStoredSession asks a restoring SDK first and falls back to the session
// cache. An SDK that fails to load yields no session.
func (p *Provider) GetStoredSession(ctx context.Context) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: oauth provider is nil")
	}
	sdk, err := p.SDK(ctx)
	if err != nil {
		return nil, nil
	}
	if restorer, ok := sdk.(SessionRestorer); ok {
		token, err := restorer.Restore(ctx)
		if err != nil {
			return nil, err
		}
		if token != nil {
			return p.rawFromToken(*token), nil
		}
	}
	return p.cache.LoadRaw(ctx, p.cfg.Now())
}

func (p *Provider) CacheSessionMeta(ctx context.Context, session core.NormalizedSession) error {
	if p == nil {
		return nil
	}
	var refreshToken string
	if session.AccessToken != "" {
		refreshToken, _ = p.tokens()
	}
	return p.cache.Save(ctx, session, refreshToken)
}

// CompleteAuthorization exchanges an authorization code for a session.
func (p *Provider) CompleteAuthorization(ctx context.Context, code, redirectURI string) (core.RawSession, error) {
	sdk, err := p.SDK(ctx)
	if err != nil {
		return nil, err
	}
	exchanger, ok := sdk.(CodeExchanger)
	if !ok {
		return nil, fmt.Errorf("providers: sdk for %q cannot exchange authorization codes", p.cfg.Name)
	}
	token, err := exchanger.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}
	return p.rawFromToken(token), nil
}

func (p *Provider) HandleTokenExpiry(ctx context.Context, _ core.SessionView, req *http.Request) (core.TokenRefreshResult, error) {
	if p == nil {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: oauth provider is nil")
	}
	refreshToken, _ := p.tokens()
	if refreshToken == "" {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: no refresh token for provider %q", p.cfg.Name)
	}
	sdk, err := p.SDK(ctx)
	if err != nil {
		return core.TokenRefreshResult{}, err
	}
	token, err := sdk.Refresh(ctx, refreshToken)
	if err != nil {
		return core.TokenRefreshResult{}, err
	}
	raw := p.rawFromToken(token)
	session, ok := p.NormalizeSession(raw)
	if !ok {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: refresh for %q returned no token", p.cfg.Name)
	}
	return core.TokenRefreshResult{
		Session: raw,
		Request: providers.ResignRequest(req, session.AccessToken),
	}, nil
}

// SignOut clears the cache and remembered tokens before asking the SDK to
// sign out. The SDK error is returned for reporting only.
func (p *Provider) SignOut(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	token := Token{RefreshToken: p.refreshToken, IDToken: p.idToken}
	p.refreshToken = ""
	p.idToken = ""
	p.mu.Unlock()

	clearErr := p.cache.Clear(ctx)
	sdk, err := p.SDK(ctx)
	if err != nil {
		return clearErr
	}
	if err := sdk.SignOut(ctx, token); err != nil {
		return err
	}
	return clearErr
}

func (p *Provider) rawFromToken(token Token) core.RawSession {
	raw := core.RawSession{
		core.RawKeyAccessToken: firstNonEmpty(token.AccessToken, token.IDToken),
		core.RawKeyProvider:    p.cfg.Name,
	}
	if token.IDToken != "" {
		raw["id_token"] = token.IDToken
	}
	if token.RefreshToken != "" {
		raw[core.RawKeyRefreshToken] = token.RefreshToken
	}
	if token.ExpiresIn > 0 {
		raw[core.RawKeyExpiresIn] = token.ExpiresIn
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
