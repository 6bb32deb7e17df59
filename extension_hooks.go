package authsession

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderPack groups providers a downstream module contributes under one
// name.
type ProviderPack struct {
	Name      string
	Providers []Provider
}

// ProviderRegistrar is the registry surface provider packs are applied to.
type ProviderRegistrar interface {
	Register(provider Provider) error
}

// CommandQueryBundleFactory builds an application specific bundle on top of
// the session service, typically extra handlers wired to the same store.
type CommandQueryBundleFactory func(service SessionService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	providerPacks map[string]ProviderPack
	bundles       map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		providerPacks: map[string]ProviderPack{},
		bundles:       map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterProviderPack(pack ProviderPack) error {
	if h == nil {
		return fmt.Errorf("authsession: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("authsession: provider pack name is required")
	}
	if len(pack.Providers) == 0 {
		return fmt.Errorf("authsession: provider pack %q has no providers", name)
	}
	for _, provider := range pack.Providers {
		if provider == nil {
			return fmt.Errorf("authsession: provider pack %q contains nil provider", name)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.providerPacks[name]; exists {
		return fmt.Errorf("authsession: provider pack %q already registered", name)
	}
	h.providerPacks[name] = ProviderPack{
		Name:      name,
		Providers: append([]Provider(nil), pack.Providers...),
	}
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(name string, factory CommandQueryBundleFactory) error {
	if h == nil {
		return fmt.Errorf("authsession: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("authsession: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("authsession: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("authsession: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyProviderPacks registers every pack provider, in pack name order.
func (h *ExtensionHooks) ApplyProviderPacks(registry ProviderRegistrar) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("authsession: registry is required")
	}
	for _, provider := range h.Providers() {
		if err := registry.Register(provider); err != nil {
			return err
		}
	}
	return nil
}

// Providers flattens every pack, in pack name order, for use with
// WithProviders.
func (h *ExtensionHooks) Providers() []Provider {
	var out []Provider
	for _, pack := range h.ProviderPacks() {
		out = append(out, pack.Providers...)
	}
	return out
}

func (h *ExtensionHooks) BuildCommandQueryBundles(service SessionService) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("authsession: session service is required")
	}

	h.mu.RLock()
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(factories))
	for _, name := range sortedKeys(factories) {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, fmt.Errorf("authsession: build bundle %q: %w", name, err)
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) ProviderPacks() []ProviderPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ProviderPack, 0, len(h.providerPacks))
	for _, name := range sortedKeys(h.providerPacks) {
		pack := h.providerPacks[name]
		out = append(out, ProviderPack{
			Name:      pack.Name,
			Providers: append([]Provider(nil), pack.Providers...),
		})
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.bundles)
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
