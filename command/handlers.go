package command

import (
	"context"

	"github.com/goliatone/go-authsession/core"
	gocmd "github.com/goliatone/go-command"
)

// MutatingService is the session surface commands drive. *core.SessionStore
// satisfies it.
type MutatingService interface {
	Initialize(ctx context.Context) error
	SetSession(ctx context.Context, raw core.RawSession, providerName string) error
	SignIn(ctx context.Context, providerName, email, password string) (*core.NormalizedSession, error)
	SignOut(ctx context.Context)
	RefreshSession(ctx context.Context) error
	FetchProfile(ctx context.Context) error
	CheckSessionHealth(ctx context.Context) bool
	StartAnonymousSession(ctx context.Context) (*core.NormalizedSession, error)
	ConvertAnonymousAccount(ctx context.Context, email, password, name string) (*core.NormalizedSession, error)
	LinkProvider(ctx context.Context, providerName string, credential map[string]any) (*core.Profile, error)
}

// LinkingService restores the session captured before a linking flow.
type LinkingService interface {
	RestoreLinkingSnapshot(ctx context.Context, snapshot core.LinkingSnapshot, justLinked string) bool
}

type InitializeCommand struct {
	service MutatingService
}

func NewInitializeCommand(service MutatingService) *InitializeCommand {
	return &InitializeCommand{service: service}
}

func (c *InitializeCommand) Execute(ctx context.Context, _ InitializeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	return c.service.Initialize(ctx)
}

type SetSessionCommand struct {
	service MutatingService
}

func NewSetSessionCommand(service MutatingService) *SetSessionCommand {
	return &SetSessionCommand{service: service}
}

func (c *SetSessionCommand) Execute(ctx context.Context, msg SetSessionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: session service is required")
	}
	return c.service.SetSession(ctx, msg.Raw, msg.Provider)
}

type SignInCommand struct {
	service MutatingService
}

func NewSignInCommand(service MutatingService) *SignInCommand {
	return &SignInCommand{service: service}
}

func (c *SignInCommand) Execute(ctx context.Context, msg SignInMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sign in service is required")
	}
	session, err := c.service.SignIn(ctx, msg.Provider, msg.Email, msg.Password)
	if err != nil {
		return err
	}
	storeResult(ctx, session)
	return nil
}

type SignOutCommand struct {
	service MutatingService
}

func NewSignOutCommand(service MutatingService) *SignOutCommand {
	return &SignOutCommand{service: service}
}

// Execute never fails once the service is wired: sign out always clears the
// local session.
func (c *SignOutCommand) Execute(ctx context.Context, _ SignOutMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sign out service is required")
	}
	c.service.SignOut(ctx)
	return nil
}

type RefreshSessionCommand struct {
	service MutatingService
}

func NewRefreshSessionCommand(service MutatingService) *RefreshSessionCommand {
	return &RefreshSessionCommand{service: service}
}

func (c *RefreshSessionCommand) Execute(ctx context.Context, _ RefreshSessionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	return c.service.RefreshSession(ctx)
}

type FetchProfileCommand struct {
	service MutatingService
}

func NewFetchProfileCommand(service MutatingService) *FetchProfileCommand {
	return &FetchProfileCommand{service: service}
}

func (c *FetchProfileCommand) Execute(ctx context.Context, _ FetchProfileMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: profile service is required")
	}
	return c.service.FetchProfile(ctx)
}

type CheckSessionHealthCommand struct {
	service MutatingService
}

func NewCheckSessionHealthCommand(service MutatingService) *CheckSessionHealthCommand {
	return &CheckSessionHealthCommand{service: service}
}

// Execute stores the health verdict as a bool result.
func (c *CheckSessionHealthCommand) Execute(ctx context.Context, _ CheckSessionHealthMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: health service is required")
	}
	storeResult(ctx, c.service.CheckSessionHealth(ctx))
	return nil
}

type StartAnonymousSessionCommand struct {
	service MutatingService
}

func NewStartAnonymousSessionCommand(service MutatingService) *StartAnonymousSessionCommand {
	return &StartAnonymousSessionCommand{service: service}
}

func (c *StartAnonymousSessionCommand) Execute(ctx context.Context, _ StartAnonymousSessionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: anonymous session service is required")
	}
	session, err := c.service.StartAnonymousSession(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, session)
	return nil
}

type ConvertAnonymousAccountCommand struct {
	service MutatingService
}

func NewConvertAnonymousAccountCommand(service MutatingService) *ConvertAnonymousAccountCommand {
	return &ConvertAnonymousAccountCommand{service: service}
}

func (c *ConvertAnonymousAccountCommand) Execute(ctx context.Context, msg ConvertAnonymousAccountMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: account conversion service is required")
	}
	session, err := c.service.ConvertAnonymousAccount(ctx, msg.Email, msg.Password, msg.Name)
	if err != nil {
		return err
	}
	storeResult(ctx, session)
	return nil
}

type LinkProviderCommand struct {
	service MutatingService
}

func NewLinkProviderCommand(service MutatingService) *LinkProviderCommand {
	return &LinkProviderCommand{service: service}
}

func (c *LinkProviderCommand) Execute(ctx context.Context, msg LinkProviderMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: linking service is required")
	}
	profile, err := c.service.LinkProvider(ctx, msg.Provider, msg.Credential)
	if err != nil {
		return err
	}
	storeResult(ctx, profile)
	return nil
}

type RestoreLinkingSnapshotCommand struct {
	service LinkingService
}

func NewRestoreLinkingSnapshotCommand(service LinkingService) *RestoreLinkingSnapshotCommand {
	return &RestoreLinkingSnapshotCommand{service: service}
}

// Execute stores whether the snapshot session was put back.
func (c *RestoreLinkingSnapshotCommand) Execute(ctx context.Context, msg RestoreLinkingSnapshotMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: linking service is required")
	}
	storeResult(ctx, c.service.RestoreLinkingSnapshot(ctx, msg.Snapshot, msg.JustLinked))
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
