package authsession

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers/backend"
	"github.com/goliatone/go-authsession/providers/local"
	"github.com/goliatone/go-authsession/providers/oauth"
)

// Credential keys read from Config.Providers.Credentials[name].
const (
	CredentialSigningKey    = "signing_key"
	CredentialClientID      = "client_id"
	CredentialClientSecret  = "client_secret"
	CredentialTokenURL      = "token_url"
	CredentialRevocationURL = "revocation_url"
	CredentialScopes        = "scopes"
	CredentialDisplayName   = "display_name"
	CredentialIcon          = "icon"
)

func BackendProvider(cfg backend.Config) (Provider, error) {
	return backend.Build(cfg)
}

func LocalProvider(cfg local.Config) (Provider, error) {
	return local.Build(cfg)
}

func OAuthProvider(cfg oauth.Config) (Provider, error) {
	return oauth.New(cfg)
}

func TokenEndpointProvider(cfg oauth.Config, endpoint oauth.TokenEndpointConfig) (Provider, error) {
	return oauth.NewTokenEndpointProvider(cfg, endpoint)
}

// ProviderDeps are shared by every provider ProvidersFromConfig builds.
// Storage is only handed to providers when token storage is "session".
type ProviderDeps struct {
	Storage    KeyValueStore
	StateStore OAuthStateStore
	HTTPClient *http.Client
	Logger     core.Logger
	Now        func() time.Time
}

// ProvidersFromConfig builds the providers named in cfg.Providers.Enabled in
// that order. "local" and "backend" are built in; any other name is an OAuth
// provider backed by the token endpoint in its credentials. With no enabled
// list, local is built plus backend when a base URL is configured. When both
// are present the backend converts local guest accounts.
func ProvidersFromConfig(cfg Config, deps ProviderDeps) ([]Provider, error) {
	names := enabledProviderNames(cfg)
	storage := deps.Storage
	if !strings.EqualFold(strings.TrimSpace(cfg.Session.TokenStorage), core.TokenStorageSession) {
		storage = nil
	}

	var backendProvider *backend.Provider
	built := make(map[string]Provider, len(names))
	for _, name := range names {
		if name != backend.DefaultName {
			continue
		}
		creds := cfg.Providers.Credentials[name]
		p, err := backend.New(backend.Config{
			Name:            name,
			DisplayName:     creds[CredentialDisplayName],
			Icon:            creds[CredentialIcon],
			BaseURL:         cfg.Backend.BaseURL,
			CSRFCookie:      cfg.Backend.CSRFCookie,
			CSRFHeader:      cfg.Backend.CSRFHeader,
			SupportsLinking: true,
			RequestTimeout:  cfg.Timeouts.Request,
			HTTPClient:      deps.HTTPClient,
			Storage:         storage,
			StorageTTL:      cfg.Session.StorageTTL,
			StateStore:      deps.StateStore,
			Now:             deps.Now,
			Logger:          deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		backendProvider = p
		if cfg.Anonymous.Enabled && strings.EqualFold(cfg.Providers.Anonymous, name) {
			built[name] = backend.AnonymousProvider{Provider: p}
		} else {
			built[name] = p
		}
	}

	out := make([]Provider, 0, len(names))
	for _, name := range names {
		if p, ok := built[name]; ok {
			out = append(out, p)
			continue
		}
		creds := cfg.Providers.Credentials[name]
		switch name {
		case local.DefaultName:
			localCfg := local.Config{
				Name:        name,
				DisplayName: creds[CredentialDisplayName],
				Icon:        creds[CredentialIcon],
				SigningKey:  []byte(creds[CredentialSigningKey]),
				Storage:     storage,
				StorageTTL:  cfg.Session.StorageTTL,
				Now:         deps.Now,
				Logger:      deps.Logger,
			}
			if backendProvider != nil {
				localCfg.Upgrader = backendProvider
			}
			p, err := local.Build(localCfg)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		default:
			p, err := oauthFromCredentials(cfg, name, creds, storage, deps)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func oauthFromCredentials(cfg Config, name string, creds map[string]string, storage KeyValueStore, deps ProviderDeps) (Provider, error) {
	tokenURL := strings.TrimSpace(creds[CredentialTokenURL])
	if tokenURL == "" {
		return nil, fmt.Errorf("authsession: provider %q needs %s in its credentials", name, CredentialTokenURL)
	}
	scopes := strings.FieldsFunc(creds[CredentialScopes], func(r rune) bool { return r == ',' || r == ' ' })
	var doer core.HTTPDoer
	if deps.HTTPClient != nil {
		doer = deps.HTTPClient
	}
	return oauth.NewTokenEndpointProvider(oauth.Config{
		Name:           name,
		DisplayName:    creds[CredentialDisplayName],
		Icon:           creds[CredentialIcon],
		ClientID:       creds[CredentialClientID],
		SDKLoadTimeout: cfg.Timeouts.SDKLoad,
		Storage:        storage,
		StorageTTL:     cfg.Session.StorageTTL,
		Now:            deps.Now,
		Logger:         deps.Logger,
	}, oauth.TokenEndpointConfig{
		TokenURL:            tokenURL,
		RevocationURL:       creds[CredentialRevocationURL],
		ClientID:            creds[CredentialClientID],
		ClientSecret:        creds[CredentialClientSecret],
		Scopes:              scopes,
		TokenRequestTimeout: cfg.Timeouts.Request,
		HTTPClient:          doer,
	})
}

func enabledProviderNames(cfg Config) []string {
	seen := map[string]struct{}{}
	var names []string
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	if len(cfg.Providers.Enabled) > 0 {
		for _, name := range cfg.Providers.Enabled {
			add(name)
		}
		return names
	}
	add(local.DefaultName)
	if strings.TrimSpace(cfg.Backend.BaseURL) != "" {
		add(backend.DefaultName)
	}
	return names
}
