package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// CapabilityName identifies an optional provider capability.
type CapabilityName string

const (
	CapabilityStartAnonymous   CapabilityName = "start_anonymous_session"
	CapabilityConvertAnonymous CapabilityName = "convert_anonymous_account"
	CapabilityCacheSessionMeta CapabilityName = "cache_session_meta"
	CapabilityLinkAccount      CapabilityName = "link_account"
	CapabilitySignIn           CapabilityName = "sign_in"
)

// ProviderCapabilities exposes the optional capabilities of a provider. A nil
// field means the provider does not support that capability.
type ProviderCapabilities struct {
	AnonymousStarter   AnonymousSessionStarter
	AnonymousConverter AnonymousAccountConverter
	MetaCacher         SessionMetaCacher
	Linker             AccountLinker
	SignIn             CredentialSignIn
}

func capabilitiesOf(provider Provider) ProviderCapabilities {
	var caps ProviderCapabilities
	if provider == nil {
		return caps
	}
	caps.AnonymousStarter, _ = provider.(AnonymousSessionStarter)
	caps.AnonymousConverter, _ = provider.(AnonymousAccountConverter)
	caps.MetaCacher, _ = provider.(SessionMetaCacher)
	caps.Linker, _ = provider.(AccountLinker)
	caps.SignIn, _ = provider.(CredentialSignIn)
	return caps
}

// CapabilityInput carries the arguments for CallCapability. Fields that do
// not apply to the invoked capability are ignored.
type CapabilityInput struct {
	Email      string
	Password   string
	Metadata   map[string]any
	Session    NormalizedSession
	View       SessionView
	Credential map[string]any
}

type CapabilityResult struct {
	Supported bool
	Session   RawSession
	Profile   *Profile
}

type registryEntry struct {
	provider   Provider
	configured bool
}

// ProviderRegistry keeps providers in registration order. Registration
// overwrites in place; providers are never removed.
type ProviderRegistry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*registryEntry
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{entries: make(map[string]*registryEntry)}
}

func (r *ProviderRegistry) Register(provider Provider) error {
	if r == nil {
		return fmt.Errorf("core: provider registry is nil")
	}
	if provider == nil {
		return fmt.Errorf("core: provider is nil")
	}
	name := strings.TrimSpace(provider.Name())
	if name == "" {
		return fmt.Errorf("core: provider name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, exists := r.entries[name]; exists {
		entry.provider = provider
		return nil
	}
	r.entries[name] = &registryEntry{
		provider:   provider,
		configured: provider.Metadata().Configured,
	}
	r.order = append(r.order, name)
	return nil
}

func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	name = strings.TrimSpace(name)
	if r == nil || name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.provider, true
}

func (r *ProviderRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *ProviderRegistry) List() []Provider {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	providers := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		providers = append(providers, r.entries[name].provider)
	}
	return providers
}

func (r *ProviderRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *ProviderRegistry) Capabilities(name string) ProviderCapabilities {
	provider, ok := r.Get(name)
	if !ok {
		return ProviderCapabilities{}
	}
	return capabilitiesOf(provider)
}

// SetConfigured records the externally supplied configured flag.
func (r *ProviderRegistry) SetConfigured(name string, configured bool) bool {
	name = strings.TrimSpace(name)
	if r == nil || name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return false
	}
	entry.configured = configured
	return true
}

// GetAllMetadata returns metadata for configured providers in registration
// order, each annotated with its configured flag.
func (r *ProviderRegistry) GetAllMetadata() []ProviderMetadata {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	type item struct {
		provider   Provider
		configured bool
	}
	items := make([]item, 0, len(r.order))
	for _, name := range r.order {
		entry := r.entries[name]
		items = append(items, item{provider: entry.provider, configured: entry.configured})
	}
	r.mu.RUnlock()

	out := make([]ProviderMetadata, 0, len(items))
	for _, it := range items {
		if !it.configured {
			continue
		}
		meta := it.provider.Metadata()
		if strings.TrimSpace(meta.Name) == "" {
			meta.Name = it.provider.Name()
		}
		meta.Configured = true
		out = append(out, meta)
	}
	return out
}

// CallCapability invokes an optional capability by name. A missing provider or
// an unsupported capability yields Supported=false and a nil error; only
// failures raised by the provider itself are returned.
func (r *ProviderRegistry) CallCapability(
	ctx context.Context,
	name string,
	capability CapabilityName,
	input CapabilityInput,
) (CapabilityResult, error) {
	provider, ok := r.Get(name)
	if !ok {
		return CapabilityResult{}, nil
	}
	caps := capabilitiesOf(provider)
	switch capability {
	case CapabilityStartAnonymous:
		if caps.AnonymousStarter == nil {
			return CapabilityResult{}, nil
		}
		raw, err := caps.AnonymousStarter.StartAnonymousSession(ctx)
		return CapabilityResult{Supported: true, Session: raw}, err
	case CapabilityConvertAnonymous:
		if caps.AnonymousConverter == nil {
			return CapabilityResult{}, nil
		}
		raw, err := caps.AnonymousConverter.ConvertAnonymousAccount(ctx, input.Email, input.Password, input.Metadata)
		return CapabilityResult{Supported: true, Session: raw}, err
	case CapabilityCacheSessionMeta:
		if caps.MetaCacher == nil {
			return CapabilityResult{}, nil
		}
		return CapabilityResult{Supported: true}, caps.MetaCacher.CacheSessionMeta(ctx, input.Session)
	case CapabilityLinkAccount:
		if caps.Linker == nil {
			return CapabilityResult{}, nil
		}
		profile, err := caps.Linker.LinkAccount(ctx, input.View, input.Credential)
		return CapabilityResult{Supported: true, Profile: profile}, err
	case CapabilitySignIn:
		if caps.SignIn == nil {
			return CapabilityResult{}, nil
		}
		raw, err := caps.SignIn.SignIn(ctx, input.Email, input.Password)
		return CapabilityResult{Supported: true, Session: raw}, err
	default:
		return CapabilityResult{}, nil
	}
}
