package command

import (
	"strings"

	"github.com/goliatone/go-authsession/core"
)

const (
	TypeInitialize            = "authsession.command.initialize"
	TypeSetSession            = "authsession.command.session.set"
	TypeSignIn                = "authsession.command.sign_in"
	TypeSignOut               = "authsession.command.sign_out"
	TypeRefreshSession        = "authsession.command.session.refresh"
	TypeFetchProfile          = "authsession.command.profile.fetch"
	TypeCheckSessionHealth    = "authsession.command.session.health_check"
	TypeStartAnonymous        = "authsession.command.anonymous.start"
	TypeConvertAnonymous      = "authsession.command.anonymous.convert"
	TypeLinkProvider          = "authsession.command.linking.link"
	TypeRestoreLinkingSession = "authsession.command.linking.restore"
)

type InitializeMessage struct{}

func (InitializeMessage) Type() string { return TypeInitialize }

// SetSessionMessage adopts a raw session produced outside the store, such as
// an OAuth relay redirect. A nil Raw clears the session.
type SetSessionMessage struct {
	Raw      core.RawSession
	Provider string
}

func (SetSessionMessage) Type() string { return TypeSetSession }

func (m SetSessionMessage) Validate() error {
	if m.Raw != nil && strings.TrimSpace(m.Provider) == "" {
		return commandValidationError("provider", "provider is required when a session is given")
	}
	return nil
}

type SignInMessage struct {
	Provider string
	Email    string
	Password string
}

func (SignInMessage) Type() string { return TypeSignIn }

func (m SignInMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	return commandWrapValidation(core.AccountInput{Email: m.Email, Password: m.Password}.Validate(), "command: invalid credentials")
}

type SignOutMessage struct{}

func (SignOutMessage) Type() string { return TypeSignOut }

type RefreshSessionMessage struct{}

func (RefreshSessionMessage) Type() string { return TypeRefreshSession }

type FetchProfileMessage struct{}

func (FetchProfileMessage) Type() string { return TypeFetchProfile }

type CheckSessionHealthMessage struct{}

func (CheckSessionHealthMessage) Type() string { return TypeCheckSessionHealth }

type StartAnonymousSessionMessage struct{}

func (StartAnonymousSessionMessage) Type() string { return TypeStartAnonymous }

type ConvertAnonymousAccountMessage struct {
	Email    string
	Password string
	Name     string
}

func (ConvertAnonymousAccountMessage) Type() string { return TypeConvertAnonymous }

func (m ConvertAnonymousAccountMessage) Validate() error {
	return commandWrapValidation(core.AccountInput{
		Email:    m.Email,
		Password: m.Password,
		Name:     m.Name,
	}.Validate(), "command: invalid account")
}

type LinkProviderMessage struct {
	Provider   string
	Credential map[string]any
}

func (LinkProviderMessage) Type() string { return TypeLinkProvider }

func (m LinkProviderMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	return nil
}

type RestoreLinkingSnapshotMessage struct {
	Snapshot   core.LinkingSnapshot
	JustLinked string
}

func (RestoreLinkingSnapshotMessage) Type() string { return TypeRestoreLinkingSession }

func (m RestoreLinkingSnapshotMessage) Validate() error {
	if m.Snapshot.Empty() {
		return commandValidationError("snapshot", "linking snapshot is empty")
	}
	return nil
}
