package local

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

const (
	DefaultName       = "local"
	DefaultSessionTTL = 30 * 24 * time.Hour

	claimAnonymousID = "anonymous_id"
	issuer           = "go-authsession/local"
)

type Config struct {
	Name        string
	DisplayName string
	Icon        string
	SessionTTL  time.Duration
	// SigningKey signs locally issued tokens. A random key is generated when
	// empty, so tokens do not survive a restart unless storage persists them.
	SigningKey []byte
	Storage    core.KeyValueStore
	StorageTTL time.Duration
	// Upgrader converts anonymous sessions into full accounts. Without it the
	// provider does not offer conversion.
	Upgrader core.AnonymousAccountConverter
	Now      func() time.Time
	NewID    func() string
	Logger   core.Logger
}

// Provider issues anonymous sessions on the client. Tokens are HS256 JWTs
// carrying is_anonymous so any claims-aware component can tell them apart.
type Provider struct {
	cfg   Config
	cache *providers.SessionCache
}

// UpgradingProvider adds anonymous account conversion through Config.Upgrader.
type UpgradingProvider struct {
	*Provider
}

// Build returns the provider in the capability shape cfg asks for.
func Build(cfg Config) (core.Provider, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if p.cfg.Upgrader != nil {
		return UpgradingProvider{Provider: p}, nil
	}
	return p, nil
}

func New(cfg Config) (*Provider, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = "Continue as guest"
	}
	if strings.TrimSpace(cfg.Icon) == "" {
		cfg.Icon = "user"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.StorageTTL <= 0 {
		cfg.StorageTTL = cfg.SessionTTL
	}
	if len(cfg.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("providers: generate local signing key: %w", err)
		}
		cfg.SigningKey = key
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = glog.Nop()
	}
	return &Provider{
		cfg:   cfg,
		cache: providers.NewSessionCache(cfg.Storage, cfg.Name, cfg.StorageTTL),
	}, nil
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
		IsAnonymousOnly: true,
	}
}

// NormalizeSession only accepts tokens this provider signed.
func (p *Provider) NormalizeSession(raw core.RawSession) (core.NormalizedSession, bool) {
	if p == nil || raw == nil {
		return core.NormalizedSession{}, false
	}
	token := raw.String(core.RawKeyAccessToken)
	claims, err := p.verify(token)
	if err != nil {
		p.cfg.Logger.Debug("local token rejected", "provider", p.cfg.Name, "error", err)
		return core.NormalizedSession{}, false
	}
	decoded := core.ClaimsFromMap(claims)
	user := decoded.User()
	user.Name = firstNonEmpty(raw.String("name"), user.Name)
	return core.NormalizedSession{
		AccessToken: token,
		User:        user,
		IsAnonymous: true,
		Provider:    p.cfg.Name,
		ProviderID:  decoded.Subject,
		ExpiresAt:   decoded.ExpiresAt,
	}, true
}

func (p *Provider) GetStoredSession(ctx context.Context) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: local provider is nil")
	}
	raw, err := p.cache.LoadRaw(ctx, p.cfg.Now())
	if err != nil || raw == nil {
		return nil, err
	}
	if _, err := p.verify(raw.String(core.RawKeyAccessToken)); err != nil {
		// Issued under a previous signing key.
		return nil, nil
	}
	return raw, nil
}

func (p *Provider) CacheSessionMeta(ctx context.Context, session core.NormalizedSession) error {
	if p == nil {
		return nil
	}
	return p.cache.Save(ctx, session, "")
}

func (p *Provider) SignOut(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.cache.Clear(ctx)
}

func (p *Provider) StartAnonymousSession(context.Context) (core.RawSession, error) {
	if p == nil {
		return nil, fmt.Errorf("providers: local provider is nil")
	}
	return p.issue("anon-" + p.cfg.NewID())
}

// HandleTokenExpiry re-issues a token for the same anonymous subject.
func (p *Provider) HandleTokenExpiry(_ context.Context, view core.SessionView, req *http.Request) (core.TokenRefreshResult, error) {
	if p == nil {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: local provider is nil")
	}
	var subject string
	if view != nil {
		if current := view.CurrentSession(); current != nil {
			subject = current.ProviderID
		}
	}
	if subject == "" {
		return core.TokenRefreshResult{}, fmt.Errorf("providers: no local session to refresh")
	}
	raw, err := p.issue(subject)
	if err != nil {
		return core.TokenRefreshResult{}, err
	}
	return core.TokenRefreshResult{
		Session: raw,
		Request: providers.ResignRequest(req, raw.String(core.RawKeyAccessToken)),
	}, nil
}

// ConvertAnonymousAccount hands the credentials to the upgrader. The anonymous
// subject travels in the metadata so the upgrader can merge guest data.
func (u UpgradingProvider) ConvertAnonymousAccount(ctx context.Context, email, password string, metadata map[string]any) (core.RawSession, error) {
	if u.Provider == nil || u.cfg.Upgrader == nil {
		return nil, fmt.Errorf("providers: local provider has no upgrader")
	}
	payload := make(map[string]any, len(metadata)+1)
	for key, value := range metadata {
		payload[key] = value
	}
	if stored, err := u.cache.Load(ctx); err == nil && stored != nil && stored.Session.ProviderID != "" {
		payload[claimAnonymousID] = stored.Session.ProviderID
	}
	raw, err := u.cfg.Upgrader.ConvertAnonymousAccount(ctx, email, password, payload)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("providers: upgrader returned no session")
	}
	raw = raw.Clone()
	if named, ok := u.cfg.Upgrader.(interface{ Name() string }); ok && raw.String(core.RawKeyProvider) == "" {
		raw[core.RawKeyProvider] = named.Name()
	}
	if err := u.cache.Clear(ctx); err != nil {
		u.cfg.Logger.Warn("clear local session after conversion failed", "provider", u.cfg.Name, "error", err)
	}
	return raw, nil
}

func (p *Provider) issue(subject string) (core.RawSession, error) {
	now := p.cfg.Now()
	expiresAt := now.Add(p.cfg.SessionTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":          subject,
		"iss":          issuer,
		"iat":          now.Unix(),
		"exp":          expiresAt.Unix(),
		"is_anonymous": true,
	})
	signed, err := token.SignedString(p.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("providers: sign local token: %w", err)
	}
	return core.RawSession{
		core.RawKeyAccessToken: signed,
		core.RawKeyExpiresAt:   expiresAt.Unix(),
		core.RawKeyIsAnonymous: true,
		core.RawKeyProviderID:  subject,
		core.RawKeyProvider:    p.cfg.Name,
	}, nil
}

func (p *Provider) verify(token string) (jwt.MapClaims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("providers: local token is required")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.cfg.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.cfg.Now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
