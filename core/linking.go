package core

import (
	"context"
	"fmt"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// LinkingSnapshot captures the session that was active before an account
// linking flow handed control to another provider.
type LinkingSnapshot struct {
	session  *NormalizedSession
	provider string
}

// CreateLinkingSnapshot copies the active session and provider of store.
func CreateLinkingSnapshot(store *SessionStore) LinkingSnapshot {
	if store == nil {
		return LinkingSnapshot{}
	}
	snap := store.Snapshot()
	return LinkingSnapshot{session: snap.Session, provider: snap.Provider}
}

func (l LinkingSnapshot) Session() *NormalizedSession {
	if l.session == nil {
		return nil
	}
	cloned := l.session.Clone()
	return &cloned
}

func (l LinkingSnapshot) Provider() string {
	return l.provider
}

func (l LinkingSnapshot) Empty() bool {
	return l.session == nil || strings.TrimSpace(l.provider) == ""
}

// RestoreLinkingSnapshot puts the pre-link session back after a linking flow.
// When justLinked is the snapshot provider the linked credential already
// belongs to the active session, so only the profile is refreshed and false is
// returned. Otherwise the snapshot session is re-adopted, even when the
// secondary flow ran under the same provider name. Restore and profile
// failures are logged, never returned.
func RestoreLinkingSnapshot(ctx context.Context, store *SessionStore, snapshot LinkingSnapshot, justLinked string) bool {
	if store == nil || snapshot.Empty() {
		return false
	}
	ctx = contextOrBackground(ctx)
	justLinked = strings.TrimSpace(justLinked)
	fields := map[string]any{
		"provider":    snapshot.provider,
		"just_linked": justLinked,
	}

	if justLinked == snapshot.provider {
		if err := store.FetchProfile(ctx); err != nil {
			store.obs.logWarn(ctx, "profile refresh after linking failed", mergeFields(fields, err))
		}
		return false
	}

	if err := store.SetSession(ctx, snapshot.session.ToRaw(), snapshot.provider); err != nil {
		store.obs.logWarn(ctx, "linking snapshot restore failed", mergeFields(fields, err))
		return false
	}
	if err := store.FetchProfile(ctx); err != nil {
		store.obs.logWarn(ctx, "profile refresh after linking failed", mergeFields(fields, err))
	}
	store.obs.logInfo(ctx, "linking snapshot restored", fields)
	return true
}

// CreateLinkingSnapshot is the method form of CreateLinkingSnapshot.
func (s *SessionStore) CreateLinkingSnapshot() LinkingSnapshot {
	return CreateLinkingSnapshot(s)
}

func (s *SessionStore) RestoreLinkingSnapshot(ctx context.Context, snapshot LinkingSnapshot, justLinked string) bool {
	return RestoreLinkingSnapshot(ctx, s, snapshot, justLinked)
}

func mergeFields(fields map[string]any, err error) map[string]any {
	out := cloneFields(fields)
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

// LinkProvider attaches the identity described by credential to the active
// account through providerName, then re-fetches the profile so linked
// providers are current.
func (s *SessionStore) LinkProvider(ctx context.Context, providerName string, credential map[string]any) (*Profile, error) {
	if s == nil {
		return nil, fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	providerName = strings.TrimSpace(providerName)
	snap := s.Snapshot()
	if !snap.Authenticated() || snap.Session.IsAnonymous {
		err := NewAuthError("linking requires a full session", goerrors.CategoryAuthz, ErrorSessionInvalid)
		s.recordError(ctx, "link_account", providerName, err)
		return nil, err
	}
	if !s.registry.Has(providerName) {
		err := NewAuthError(fmt.Sprintf("provider not registered: %q", providerName), goerrors.CategoryNotFound, ErrorProviderNotFound)
		s.recordError(ctx, "link_account", providerName, err)
		return nil, err
	}

	startedAt := s.obs.clock()
	var result CapabilityResult
	err := s.breakers.Auth.Execute(ctx, func(ctx context.Context) error {
		return safeProviderCall(func() error {
			var callErr error
			result, callErr = s.registry.CallCapability(ctx, providerName, CapabilityLinkAccount, CapabilityInput{
				View:       s,
				Credential: credential,
			})
			return callErr
		})
	})
	if err == nil && !result.Supported {
		err = NewAuthError(fmt.Sprintf("provider %q does not support linking", providerName), goerrors.CategoryBadInput, ErrorBadInput)
	}
	if err != nil {
		if TextCodeOf(err) == "" {
			err = wrapAuthError(err, goerrors.CategoryExternal, ErrorProfileFetchFailed, "account linking failed")
		}
		s.recordError(ctx, "link_account", providerName, err)
		s.obs.observeOperation(ctx, startedAt, "link_account", err, map[string]any{"provider": providerName})
		return nil, err
	}

	if err := s.FetchProfile(ctx); err != nil {
		s.obs.logWarn(ctx, "profile refresh after linking failed", map[string]any{
			"provider": providerName,
			"error":    err.Error(),
		})
	}
	s.obs.observeOperation(ctx, startedAt, "link_account", nil, map[string]any{"provider": providerName})
	if profile := s.Snapshot().Profile; profile != nil {
		return profile, nil
	}
	return result.Profile.Clone(), nil
}
