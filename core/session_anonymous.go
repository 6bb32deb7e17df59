package core

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	goerrors "github.com/goliatone/go-errors"
)

// StartAnonymousSession adopts the first anonymous session any registered
// provider can start, in registration order, under the reduced anonymous
// retry budget.
func (s *SessionStore) StartAnonymousSession(ctx context.Context) (*NormalizedSession, error) {
	if s == nil {
		return nil, fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	if !s.cfg.Anonymous.Enabled {
		err := NewAuthError("anonymous access is disabled", goerrors.CategoryAuthz, ErrorAnonymousNotAllowed)
		s.recordError(ctx, "start_anonymous_session", "", err)
		return nil, err
	}
	if err := s.checkRateLimit(ctx, ActionAnonymousStart); err != nil {
		s.recordError(ctx, "start_anonymous_session", "", err)
		return nil, err
	}

	startedAt := s.obs.clock()
	policy := s.policy.WithMaxRetries(s.cfg.Retry.AnonymousMaxRetries)
	var lastErr error
	for _, provider := range s.registry.List() {
		starter := capabilitiesOf(provider).AnonymousStarter
		if starter == nil {
			continue
		}
		name := provider.Name()
		raw, err := retryWithBreaker(ctx, policy, s.breakers.Auth, s.obs, func(ctx context.Context) (RawSession, error) {
			var raw RawSession
			callErr := safeProviderCall(func() error {
				var err error
				raw, err = starter.StartAnonymousSession(ctx)
				return err
			})
			return raw, callErr
		})
		if err != nil || raw == nil {
			if err == nil {
				err = fmt.Errorf("core: provider %q returned no anonymous session", name)
			}
			lastErr = err
			s.obs.logWarn(ctx, "anonymous session attempt failed", map[string]any{
				"provider": name,
				"error":    err.Error(),
			})
			continue
		}
		if err := s.SetSession(ctx, raw, name); err != nil {
			lastErr = err
			continue
		}
		s.obs.observeOperation(ctx, startedAt, "start_anonymous_session", nil, map[string]any{"provider": name})
		return s.CurrentSession(), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("core: no registered provider supports anonymous sessions")
	}
	err := wrapAuthError(lastErr, goerrors.CategoryOperation, ErrorInitializationFailed, "anonymous session could not be started")
	s.recordError(ctx, "start_anonymous_session", "", err)
	s.obs.observeOperation(ctx, startedAt, "start_anonymous_session", err, nil)
	return nil, err
}

// AccountInput is the credential payload for conversion and sign in.
type AccountInput struct {
	Email    string
	Password string
	Name     string
}

func (in AccountInput) normalized() AccountInput {
	return AccountInput{
		Email:    strings.ToLower(strings.TrimSpace(in.Email)),
		Password: in.Password,
		Name:     strings.TrimSpace(in.Name),
	}
}

func (in AccountInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.EmailFormat),
		validation.Field(&in.Password, validation.Required, validation.Length(6, 128)),
		validation.Field(&in.Name, validation.Length(0, 120)),
	)
}

func validateAccountInput(in AccountInput) error {
	if err := in.Validate(); err != nil {
		validationErr := goerrors.FromOzzoValidation(err, "invalid account details")
		validationErr.TextCode = ErrorBadInput
		return ensureAuthErrorEnvelope(validationErr)
	}
	return nil
}

// ConvertAnonymousAccount upgrades the active anonymous session into a full
// account through the provider that issued it.
func (s *SessionStore) ConvertAnonymousAccount(ctx context.Context, email, password, name string) (*NormalizedSession, error) {
	if s == nil {
		return nil, fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	input := AccountInput{Email: email, Password: password, Name: name}.normalized()
	if err := validateAccountInput(input); err != nil {
		return nil, err
	}

	snap := s.Snapshot()
	if !snap.Authenticated() || !snap.Session.IsAnonymous {
		err := NewAuthError("only anonymous sessions can be converted", goerrors.CategoryBadInput, ErrorAnonymousConversionFailed)
		s.recordError(ctx, "convert_anonymous_account", snap.Provider, err)
		return nil, err
	}
	if err := s.checkRateLimit(ctx, ActionConvertAccount); err != nil {
		s.recordError(ctx, "convert_anonymous_account", snap.Provider, err)
		return nil, err
	}

	startedAt := s.obs.clock()
	metadata := map[string]any{}
	if input.Name != "" {
		metadata["name"] = input.Name
	}
	var result CapabilityResult
	err := s.breakers.Auth.Execute(ctx, func(ctx context.Context) error {
		return safeProviderCall(func() error {
			var callErr error
			result, callErr = s.registry.CallCapability(ctx, snap.Provider, CapabilityConvertAnonymous, CapabilityInput{
				Email:    input.Email,
				Password: input.Password,
				Metadata: metadata,
			})
			return callErr
		})
	})
	if err == nil && !result.Supported {
		err = fmt.Errorf("core: provider %q cannot convert anonymous accounts", snap.Provider)
	}
	if err == nil && result.Session == nil {
		err = fmt.Errorf("core: provider %q returned no session", snap.Provider)
	}
	if err != nil {
		if !HasTextCode(err, ErrorAccountExists) && !HasTextCode(err, ErrorCircuitOpen) {
			err = wrapAuthError(err, goerrors.CategoryOperation, ErrorAnonymousConversionFailed, "anonymous account conversion failed")
		}
		s.recordError(ctx, "convert_anonymous_account", snap.Provider, err)
		s.obs.observeOperation(ctx, startedAt, "convert_anonymous_account", err, map[string]any{"provider": snap.Provider})
		return nil, err
	}

	providerName := firstNonEmpty(result.Session.String(RawKeyProvider), snap.Provider)
	if err := s.SetSession(ctx, result.Session, providerName); err != nil {
		return nil, err
	}
	if err := s.FetchProfile(ctx); err != nil {
		s.obs.logWarn(ctx, "profile refresh after conversion failed", map[string]any{"error": err.Error()})
	}
	s.obs.observeOperation(ctx, startedAt, "convert_anonymous_account", nil, map[string]any{"provider": providerName})
	return s.CurrentSession(), nil
}

// SignIn authenticates with email and password through providerName and
// adopts the resulting session.
func (s *SessionStore) SignIn(ctx context.Context, providerName, email, password string) (*NormalizedSession, error) {
	if s == nil {
		return nil, fmt.Errorf("core: session store is nil")
	}
	ctx = contextOrBackground(ctx)
	input := AccountInput{Email: email, Password: password}.normalized()
	if err := validateAccountInput(input); err != nil {
		return nil, err
	}
	providerName = firstNonEmpty(providerName, s.cfg.Providers.Default)
	if !s.registry.Has(providerName) {
		err := NewAuthError(fmt.Sprintf("provider not registered: %q", providerName), goerrors.CategoryNotFound, ErrorProviderNotFound)
		s.recordError(ctx, "sign_in", providerName, err)
		return nil, err
	}
	if err := s.checkRateLimit(ctx, ActionLogin); err != nil {
		s.recordError(ctx, "sign_in", providerName, err)
		return nil, err
	}

	startedAt := s.obs.clock()
	var result CapabilityResult
	err := s.breakers.Auth.Execute(ctx, func(ctx context.Context) error {
		return safeProviderCall(func() error {
			var callErr error
			result, callErr = s.registry.CallCapability(ctx, providerName, CapabilitySignIn, CapabilityInput{
				Email:    input.Email,
				Password: input.Password,
			})
			return callErr
		})
	})
	if err == nil && (!result.Supported || result.Session == nil) {
		err = NewAuthError(fmt.Sprintf("provider %q does not support credential sign in", providerName), goerrors.CategoryBadInput, ErrorBadInput)
	}
	if err != nil {
		if TextCodeOf(err) == "" {
			err = wrapAuthError(err, goerrors.CategoryAuth, ErrorSessionInvalid, "sign in failed")
		}
		s.recordError(ctx, "sign_in", providerName, err)
		s.obs.observeOperation(ctx, startedAt, "sign_in", err, map[string]any{"provider": providerName})
		return nil, err
	}
	if err := s.SetSession(ctx, result.Session, providerName); err != nil {
		return nil, err
	}
	if err := s.FetchProfile(ctx); err != nil {
		s.obs.logWarn(ctx, "profile fetch after sign in failed", map[string]any{"error": err.Error()})
	}
	s.obs.observeOperation(ctx, startedAt, "sign_in", nil, map[string]any{"provider": providerName})
	return s.CurrentSession(), nil
}
