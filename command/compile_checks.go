package command

import (
	"github.com/goliatone/go-authsession/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Commander[InitializeMessage]              = (*InitializeCommand)(nil)
	_ gocmd.Commander[SetSessionMessage]              = (*SetSessionCommand)(nil)
	_ gocmd.Commander[SignInMessage]                  = (*SignInCommand)(nil)
	_ gocmd.Commander[SignOutMessage]                 = (*SignOutCommand)(nil)
	_ gocmd.Commander[RefreshSessionMessage]          = (*RefreshSessionCommand)(nil)
	_ gocmd.Commander[FetchProfileMessage]            = (*FetchProfileCommand)(nil)
	_ gocmd.Commander[CheckSessionHealthMessage]      = (*CheckSessionHealthCommand)(nil)
	_ gocmd.Commander[StartAnonymousSessionMessage]   = (*StartAnonymousSessionCommand)(nil)
	_ gocmd.Commander[ConvertAnonymousAccountMessage] = (*ConvertAnonymousAccountCommand)(nil)
	_ gocmd.Commander[LinkProviderMessage]            = (*LinkProviderCommand)(nil)
	_ gocmd.Commander[RestoreLinkingSnapshotMessage]  = (*RestoreLinkingSnapshotCommand)(nil)

	_ MutatingService = (*core.SessionStore)(nil)
	_ LinkingService  = (*core.SessionStore)(nil)
)
