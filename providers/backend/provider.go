package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers"
	"github.com/goliatone/go-authsession/transport"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultName        = "backend"
	defaultHTTPTimeout = 15 * time.Second

	codeEmailExists = "EMAIL_EXISTS"
)

type Config struct {
	Name        string
	DisplayName string
	Icon        string
	BaseURL     string
	// AuthPath is the path segment used in /api/auth/{provider}/... routes.
	// It defaults to Name.
	AuthPath          string
	CSRFCookie        string
	CSRFHeader        string
	SupportsAnonymous bool
	SupportsLinking   bool
	RequestTimeout    time.Duration
	HTTPClient        *http.Client
	Storage           core.KeyValueStore
	StorageTTL        time.Duration
	// StateStore, when set, makes OAuth relays carry a one-time state value.
	StateStore core.OAuthStateStore
	Now        func() time.Time
	Logger     core.Logger
}

// Provider talks to the application backend. Refresh and session cookies are
// kept in the client cookie jar; the CSRF cookie is echoed on every request.
type Provider struct {
	cfg    Config
	client *transport.Client
	jar    http.CookieJar
	cache  *providers.SessionCache
	logger core.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// Build returns the provider in the capability shape cfg asks for.
func Build(cfg Config) (core.Provider, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SupportsAnonymous {
		return AnonymousProvider{Provider: p}, nil
	}
	return p, nil
}

func New(cfg Config) (*Provider, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("providers: backend base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("providers: invalid backend base url %q: %w", cfg.BaseURL, err)
	}
	cfg.AuthPath = strings.Trim(strings.TrimSpace(cfg.AuthPath), "/")
	if cfg.AuthPath == "" {
		cfg.AuthPath = cfg.Name
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = "Email"
	}
	if strings.TrimSpace(cfg.Icon) == "" {
		cfg.Icon = "mail"
	}
	defaults := core.DefaultConfig().Backend
	if strings.TrimSpace(cfg.CSRFCookie) == "" {
		cfg.CSRFCookie = defaults.CSRFCookie
	}
	if strings.TrimSpace(cfg.CSRFHeader) == "" {
		cfg.CSRFHeader = defaults.CSRFHeader
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultHTTPTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = glog.Nop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("providers: create cookie jar: %w", err)
		}
		// The caller's client is left untouched.
		cloned := *httpClient
		cloned.Jar = jar
		httpClient = &cloned
	}

	p := &Provider{
		cfg:    cfg,
		jar:    httpClient.Jar,
		cache:  providers.NewSessionCache(cfg.Storage, cfg.Name, cfg.StorageTTL),
		logger: cfg.Logger,
	}
	p.client = transport.NewClient(cfg.BaseURL, httpClient)
	p.client.BeforeSend = p.attachCSRF
	return p, nil
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
		Name:            p.cfg.Name,
		DisplayName:     p.cfg.DisplayName,
		Icon:            p.cfg.Icon,
		Configured:      true,
		SupportsLinking: p.cfg.SupportsLinking,
	}
}

// NormalizeSession accepts the canonical keys and the backend "token"
// alias. Identity hints missing from the payload are read from the token
// claims when the token is a JWT.
func (p *Provider) NormalizeSession(raw core.RawSession) (core.NormalizedSession, bool) {
	if p == nil || raw == nil {
		return core.NormalizedSession{}, false
	}
	raw = raw.Clone()
	if raw.String(core.RawKeyAccessToken) == "" {
		raw[core.RawKeyAccessToken] = raw.String("token")
	}
	session, ok := core.NormalizeRawSession(raw, p.cfg.Name, p.cfg.Now())
	if !ok {
		return core.NormalizedSession{}, false
	}
	session.Provider = p.cfg.Name
	if claims, err := core.DecodeTokenClaims(session.AccessToken); err == nil {
		if session.User == nil {
			session.User = claims.User()
		}
		if session.ExpiresAt == nil {
			session.ExpiresAt = claims.ExpiresAt
		}
		if !session.IsAnonymous {
			session.IsAnonymous = claims.IsAnonymous
		}
		if session.ProviderID == "" {
			session.ProviderID = claims.Subject
		}
	}
	p.remember(session.AccessToken, raw.String(core.RawKeyRefreshToken))
	return session, true
}

func (p *Provider) remember(accessToken, refreshToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = strings.TrimSpace(accessToken)
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		p.refreshToken = refreshToken
	}
}

func (p *Provider) credentials() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessToken, p.refreshToken
}

func (p *Provider) forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = ""
	p.refreshToken = ""
}

func (p *Provider) GetStoredSession(ctx context.Context) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: backend provider is nil")
	}
	return p.cache.LoadRaw(ctx, p.cfg.Now())
}

func (p *Provider) CacheSessionMeta(ctx context.Context, session core.NormalizedSession) error {
	if p == nil {
		return nil
	}
	// Refresh material is only persisted alongside a persisted access token.
	var refreshToken string
	if session.AccessToken != "" {
		_, refreshToken = p.credentials()
	}
	return p.cache.Save(ctx, session, refreshToken)
}

// SignOut clears local state first and then notifies the backend. The
// backend error is returned for reporting only.
func (p *Provider) SignOut(ctx context.Context) error {
	if p == nil {
		return nil
	}
	accessToken, _ := p.credentials()
	p.forget()
	clearErr := p.cache.Clear(ctx)

	_, err := p.client.DoJSON(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    p.authRoute("logout"),
		Headers: bearer(accessToken),
	}, nil)
	p.clearCookies()
	if err != nil {
		p.logger.Warn("backend logout failed", "provider", p.cfg.Name, "error", err)
		return err
	}
	return clearErr
}

// HandleTokenExpiry posts to the refresh route and re-signs req with the new
// access token.
func (p *Provider) HandleTokenExpiry(ctx context.Context, view core.SessionView, req *http.Request) (core.TokenRefreshResult, error) {
	if p == nil {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: backend provider is nil")
	}
	accessToken, refreshToken := p.credentials()
	if view != nil {
		if current := view.CurrentSession(); current != nil && current.AccessToken != "" {
			accessToken = current.AccessToken
		}
	}
	body := map[string]any{}
	if refreshToken != "" {
		body[core.RawKeyRefreshToken] = refreshToken
	}
	var payload map[string]any
	if _, err := p.client.DoJSON(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    p.authRoute("refresh"),
		Headers: bearer(accessToken),
		JSON:    body,
	}, &payload); err != nil {
		return core.TokenRefreshResult{}, err
	}
	raw := sessionPayload(payload)
	session, ok := p.NormalizeSession(raw)
	if !ok {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: backend refresh response missing access token")
	}
	return core.TokenRefreshResult{
		Session: raw,
		Request: providers.ResignRequest(req, session.AccessToken),
	}, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: backend provider is nil")
	}
	return p.postSession(ctx, p.authRoute("login"), "", map[string]any{
		"email":    email,
		"password": password,
	})
}

// AnonymousProvider adds the anonymous session capability. Build returns it
// when SupportsAnonymous is set.
type AnonymousProvider struct {
	*Provider
}

func (a AnonymousProvider) StartAnonymousSession(ctx context.Context) (core.RawSession, error) {
	if a.Provider == nil {
		return nil, fmt.Errorf("providers: backend provider is nil")
	}
	raw, err := a.postSession(ctx, "/api/auth/anonymous", "", map[string]any{})
	if err != nil {
		return nil, err
	}
	raw[core.RawKeyIsAnonymous] = true
	return raw, nil
}

func (p *Provider) ConvertAnonymousAccount(ctx context.Context, email, password string, metadata map[string]any) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: backend provider is nil")
	}
	accessToken, _ := p.credentials()
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	raw, err := p.postSession(ctx, p.authRoute("convert"), accessToken, body)
	if err != nil {
		return nil, accountConflict(err)
	}
	raw[core.RawKeyIsAnonymous] = false
	return raw, nil
}

// LinkAccount attaches credential to the signed-in account. A conflict with
// an existing account surfaces as AUTH_ACCOUNT_EXISTS.
func (p *Provider) LinkAccount(ctx context.Context, view core.SessionView, credential map[string]any) (*core.Profile, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: backend provider is nil")
	}
	var accessToken string
	if view != nil {
		if current := view.CurrentSession(); current != nil {
			accessToken = current.AccessToken
		}
	}
	if accessToken == "" {
		return nil, core.NewAuthError("linking requires an active session", goerrors.CategoryAuth, core.ErrorSessionInvalid)
	}
	if credential == nil {
		credential = map[string]any{}
	}
	var profile core.Profile
	if _, err := p.client.DoJSON(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    p.authRoute("link"),
		Headers: bearer(accessToken),
		JSON:    credential,
	}, &profile); err != nil {
		return nil, accountConflict(err)
	}
	profile.FetchedAt = p.cfg.Now()
	return &profile, nil
}

// BeginOAuthRelay returns the backend URL that starts an OAuth sign-in and
// redirects back to redirectURI.
func (p *Provider) BeginOAuthRelay(ctx context.Context, redirectURI string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("providers: backend provider is nil")
	}
	query := url.Values{}
	if redirectURI = strings.TrimSpace(redirectURI); redirectURI != "" {
		query.Set("redirect_uri", redirectURI)
	}
	if p.cfg.StateStore != nil {
		state, err := core.GenerateOAuthState()
		if err != nil {
			return "", err
		}
		if err := p.cfg.StateStore.Save(ctx, core.OAuthStateRecord{
			State:       state,
			Provider:    p.cfg.Name,
			RedirectURI: redirectURI,
		}); err != nil {
			return "", err
		}
		query.Set("state", state)
	}
	target := p.cfg.BaseURL + p.authRoute("authorize")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target, nil
}

// CompleteOAuthRelay turns the query of a backend OAuth relay redirect into a
// raw session. A "code" parameter is exchanged through the callback route;
// otherwise the tokens are read from the query directly.
func (p *Provider) CompleteOAuthRelay(ctx context.Context, query url.Values) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: backend provider is nil")
	}
	if reason := strings.TrimSpace(query.Get("error")); reason != "" {
		message := firstNonEmpty(query.Get("error_description"), reason)
		return nil, core.NewAuthError("oauth relay failed: "+message, goerrors.CategoryAuth, core.ErrorSessionInvalid).
			WithMetadata(map[string]any{"provider": p.cfg.Name, "reason": reason})
	}
	if p.cfg.StateStore != nil {
		record, err := p.cfg.StateStore.Consume(ctx, query.Get("state"))
		if err != nil {
			return nil, err
		}
		if record.Provider != p.cfg.Name {
			return nil, core.NewAuthError("oauth relay state belongs to another provider", goerrors.CategoryAuth, core.ErrorSessionInvalid).
				WithMetadata(map[string]any{"provider": p.cfg.Name})
		}
	}
	if code := strings.TrimSpace(query.Get("code")); code != "" {
		return p.postSession(ctx, p.authRoute("callback"), "", map[string]any{
			"code":  code,
			"state": strings.TrimSpace(query.Get("state")),
		})
	}
	raw := core.RawSession{}
	for _, key := range []string{core.RawKeyAccessToken, "token", core.RawKeyRefreshToken, core.RawKeyExpiresIn, core.RawKeyExpiresAt} {
		if value := strings.TrimSpace(query.Get(key)); value != "" {
			raw[key] = value
		}
	}
	if _, ok := p.NormalizeSession(raw); !ok {
		return nil, core.NewAuthError("oauth relay returned no credential", goerrors.CategoryAuth, core.ErrorSessionInvalid).
			WithMetadata(map[string]any{"provider": p.cfg.Name})
	}
	raw[core.RawKeyProvider] = p.cfg.Name
	return raw, nil
}

func (p *Provider) postSession(ctx context.Context, path, accessToken string, body map[string]any) (core.RawSession, error) {
	var payload map[string]any
	if _, err := p.client.DoJSON(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    path,
		Headers: bearer(accessToken),
		JSON:    body,
	}, &payload); err != nil {
		return nil, err
	}
	raw := sessionPayload(payload)
	if raw.String(core.RawKeyAccessToken) == "" && raw.String("token") == "" {
		return nil, fmt.Errorf("providers: backend response for %s missing access token", path)
	}
	return raw, nil
}

func (p *Provider) authRoute(action string) string {
	return "/api/auth/" + url.PathEscape(p.cfg.AuthPath) + "/" + action
}

func (p *Provider) attachCSRF(req *http.Request) {
	if p.jar == nil || req == nil || req.Method == http.MethodGet {
		return
	}
	for _, cookie := range p.jar.Cookies(req.URL) {
		if cookie.Name == p.cfg.CSRFCookie && cookie.Value != "" {
			req.Header.Set(p.cfg.CSRFHeader, cookie.Value)
			return
		}
	}
}

func (p *Provider) clearCookies() {
	if p.jar == nil {
		return
	}
	base, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return
	}
	expired := make([]*http.Cookie, 0)
	for _, cookie := range p.jar.Cookies(base) {
		expired = append(expired, &http.Cookie{Name: cookie.Name, Path: "/", MaxAge: -1})
	}
	if len(expired) > 0 {
		p.jar.SetCookies(base, expired)
	}
}

// sessionPayload unwraps {"session": {...}} envelopes.
func sessionPayload(payload map[string]any) core.RawSession {
	if nested, ok := payload["session"].(map[string]any); ok {
		raw := core.RawSession(nested)
		if _, hasUser := raw[core.RawKeyUser]; !hasUser {
			if user, ok := payload[core.RawKeyUser]; ok {
				raw[core.RawKeyUser] = user
			}
		}
		return raw
	}
	if payload == nil {
		return core.RawSession{}
	}
	return core.RawSession(payload)
}

func accountConflict(err error) error {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return err
	}
	var failure *core.RequestFailure
	if !goerrors.As(err, &failure) {
		return err
	}
	if failure.StatusCode != http.StatusConflict && !strings.Contains(string(failure.Body), codeEmailExists) {
		return err
	}
	return core.NewAuthError("an account with this email already exists", goerrors.CategoryConflict, core.ErrorAccountExists).
		WithMetadata(map[string]any{"status_code": failure.StatusCode})
}

func bearer(token string) map[string]string {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return map[string]string{core.HeaderAuthorization: "Bearer " + token}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
