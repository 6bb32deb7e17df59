package devkit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/providers"
)

// RefreshScript is one scripted HandleTokenExpiry outcome. Delay is honored
// before returning unless the context ends first.
type RefreshScript struct {
	Session core.RawSession
	Err     error
	Delay   time.Duration
}

// FakeProvider implements only the required provider contract. Outcomes are
// scripted and every call is counted.
type FakeProvider struct {
	name     string
	metadata core.ProviderMetadata

	mu         sync.Mutex
	stored     core.RawSession
	storedErr  error
	refreshes  []RefreshScript
	signOutErr error

	StoredCalls  atomic.Int32
	RefreshCalls atomic.Int32
	SignOutCalls atomic.Int32
}

func NewFakeProvider(name string) *FakeProvider {
	name = strings.TrimSpace(name)
	return &FakeProvider{
		name: name,
		metadata: core.ProviderMetadata{
			Name:        name,
			DisplayName: name,
			Icon:        name,
			Configured:  true,
		},
	}
}

func (p *FakeProvider) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

func (p *FakeProvider) Metadata() core.ProviderMetadata {
	if p == nil {
		return core.ProviderMetadata{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata
}

func (p *FakeProvider) WithMetadata(metadata core.ProviderMetadata) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	metadata.Name = p.name
	p.metadata = metadata
	return p
}

func (p *FakeProvider) WithStoredSession(raw core.RawSession, err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored = raw.Clone()
	p.storedErr = err
	return p
}

func (p *FakeProvider) WithRefresh(scripts ...RefreshScript) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes = append(p.refreshes, scripts...)
	return p
}

func (p *FakeProvider) WithSignOutError(err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutErr = err
	return p
}

func (p *FakeProvider) NormalizeSession(raw core.RawSession) (core.NormalizedSession, bool) {
	if p == nil || raw == nil {
		return core.NormalizedSession{}, false
	}
	return core.NormalizeRawSession(raw, p.name, time.Now().UTC())
}

func (p *FakeProvider) GetStoredSession(context.Context) (core.RawSession, error) {
	p.StoredCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stored.Clone(), p.storedErr
}

func (p *FakeProvider) SignOut(context.Context) error {
	p.SignOutCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored = nil
	return p.signOutErr
}

// HandleTokenExpiry consumes the next refresh script. The last script repeats
// once the list is exhausted; with none scripted the refresh fails.
func (p *FakeProvider) HandleTokenExpiry(ctx context.Context, _ core.SessionView, req *http.Request) (core.TokenRefreshResult, error) {
	call := int(p.RefreshCalls.Add(1)) - 1
	p.mu.Lock()
	var script RefreshScript
	switch {
	case call < len(p.refreshes):
		script = p.refreshes[call]
	case len(p.refreshes) > 0:
		script = p.refreshes[len(p.refreshes)-1]
	default:
		script = RefreshScript{Err: fmt.Errorf("devkit: no refresh scripted for %q", p.name)}
	}
	p.mu.Unlock()

	if script.Delay > 0 {
		timer := time.NewTimer(script.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return core.TokenRefreshResult{}, ctx.Err()
		}
	}
	if script.Err != nil {
		return core.TokenRefreshResult{}, script.Err
	}
	raw := script.Session.Clone()
	return core.TokenRefreshResult{
		Session: raw,
		Request: providers.ResignRequest(req, raw.String(core.RawKeyAccessToken)),
	}, nil
}

// FakeCapableProvider adds every optional capability. Nil funcs fail with an
// error so tests only script what they exercise.
type FakeCapableProvider struct {
	*FakeProvider

	StartAnonymous func(ctx context.Context) (core.RawSession, error)
	Convert        func(ctx context.Context, email, password string, metadata map[string]any) (core.RawSession, error)
	Link           func(ctx context.Context, view core.SessionView, credential map[string]any) (*core.Profile, error)
	SignInFunc     func(ctx context.Context, email, password string) (core.RawSession, error)

	cacheMu sync.Mutex
	cached  []core.NormalizedSession
}

func NewFakeCapableProvider(name string) *FakeCapableProvider {
	return &FakeCapableProvider{FakeProvider: NewFakeProvider(name)}
}

func (p *FakeCapableProvider) StartAnonymousSession(ctx context.Context) (core.RawSession, error) {
	if p.StartAnonymous == nil {
		return nil, fmt.Errorf("devkit: anonymous start not scripted for %q", p.name)
	}
	return p.StartAnonymous(ctx)
}

func (p *FakeCapableProvider) ConvertAnonymousAccount(ctx context.Context, email, password string, metadata map[string]any) (core.RawSession, error) {
	if p.Convert == nil {
		return nil, fmt.Errorf("devkit: conversion not scripted for %q", p.name)
	}
	return p.Convert(ctx, email, password, metadata)
}

func (p *FakeCapableProvider) LinkAccount(ctx context.Context, view core.SessionView, credential map[string]any) (*core.Profile, error) {
	if p.Link == nil {
		return nil, fmt.Errorf("devkit: linking not scripted for %q", p.name)
	}
	return p.Link(ctx, view, credential)
}

func (p *FakeCapableProvider) SignIn(ctx context.Context, email, password string) (core.RawSession, error) {
	if p.SignInFunc == nil {
		return nil, fmt.Errorf("devkit: sign in not scripted for %q", p.name)
	}
	return p.SignInFunc(ctx, email, password)
}

func (p *FakeCapableProvider) CacheSessionMeta(_ context.Context, session core.NormalizedSession) error {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cached = append(p.cached, session.Clone())
	return nil
}

// CachedSessions returns every session passed to CacheSessionMeta in order.
func (p *FakeCapableProvider) CachedSessions() []core.NormalizedSession {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	out := make([]core.NormalizedSession, 0, len(p.cached))
	for _, session := range p.cached {
		out = append(out, session.Clone())
	}
	return out
}

var (
	_ core.Provider                  = (*FakeProvider)(nil)
	_ core.AnonymousSessionStarter   = (*FakeCapableProvider)(nil)
	_ core.AnonymousAccountConverter = (*FakeCapableProvider)(nil)
	_ core.AccountLinker             = (*FakeCapableProvider)(nil)
	_ core.CredentialSignIn          = (*FakeCapableProvider)(nil)
	_ core.SessionMetaCacher         = (*FakeCapableProvider)(nil)
)
