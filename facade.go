package authsession

import (
	"fmt"

	authcommand "github.com/goliatone/go-authsession/command"
	"github.com/goliatone/go-authsession/core"
	authquery "github.com/goliatone/go-authsession/query"
)

// SessionService is everything the facade commands and queries call.
// *core.SessionStore satisfies it.
type SessionService interface {
	authcommand.MutatingService
	authcommand.LinkingService
	authquery.SnapshotReader
	authquery.LinkingSnapshotReader
}

type Commands struct {
	Initialize             *authcommand.InitializeCommand
	SetSession             *authcommand.SetSessionCommand
	SignIn                 *authcommand.SignInCommand
	SignOut                *authcommand.SignOutCommand
	RefreshSession         *authcommand.RefreshSessionCommand
	FetchProfile           *authcommand.FetchProfileCommand
	CheckSessionHealth     *authcommand.CheckSessionHealthCommand
	StartAnonymousSession  *authcommand.StartAnonymousSessionCommand
	ConvertAnonymous       *authcommand.ConvertAnonymousAccountCommand
	LinkProvider           *authcommand.LinkProviderCommand
	RestoreLinkingSnapshot *authcommand.RestoreLinkingSnapshotCommand
}

type Queries struct {
	SessionSnapshot       *authquery.SessionSnapshotQuery
	ListProviderMetadata  *authquery.ListProviderMetadataQuery
	CreateLinkingSnapshot *authquery.CreateLinkingSnapshotQuery
}

type Facade struct {
	service  SessionService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	metadataReader authquery.ProviderMetadataReader
}

// WithMetadataReader overrides where provider metadata is listed from. By
// default the service's own provider registry is used.
func WithMetadataReader(reader authquery.ProviderMetadataReader) FacadeOption {
	return func(options *facadeOptions) {
		options.metadataReader = reader
	}
}

// New builds a session store from cfg and opts and wraps it in a facade.
func New(cfg Config, opts ...Option) (*Facade, error) {
	store, err := core.NewSessionStore(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return NewFacade(store)
}

func NewFacade(service SessionService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("authsession: session service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	reader := cfg.metadataReader
	if reader == nil {
		reader = resolveMetadataReader(service)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Initialize:             authcommand.NewInitializeCommand(service),
		SetSession:             authcommand.NewSetSessionCommand(service),
		SignIn:                 authcommand.NewSignInCommand(service),
		SignOut:                authcommand.NewSignOutCommand(service),
		RefreshSession:         authcommand.NewRefreshSessionCommand(service),
		FetchProfile:           authcommand.NewFetchProfileCommand(service),
		CheckSessionHealth:     authcommand.NewCheckSessionHealthCommand(service),
		StartAnonymousSession:  authcommand.NewStartAnonymousSessionCommand(service),
		ConvertAnonymous:       authcommand.NewConvertAnonymousAccountCommand(service),
		LinkProvider:           authcommand.NewLinkProviderCommand(service),
		RestoreLinkingSnapshot: authcommand.NewRestoreLinkingSnapshotCommand(service),
	}
	facade.queries = Queries{
		SessionSnapshot:       authquery.NewSessionSnapshotQuery(service),
		ListProviderMetadata:  authquery.NewListProviderMetadataQuery(reader),
		CreateLinkingSnapshot: authquery.NewCreateLinkingSnapshotQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() SessionService {
	if f == nil {
		return nil
	}
	return f.service
}

// Store returns the underlying session store when the facade wraps one.
func (f *Facade) Store() (*core.SessionStore, bool) {
	if f == nil {
		return nil, false
	}
	store, ok := f.service.(*core.SessionStore)
	return store, ok
}

func resolveMetadataReader(service SessionService) authquery.ProviderMetadataReader {
	if reader, ok := service.(authquery.ProviderMetadataReader); ok {
		return reader
	}
	owner, ok := service.(interface {
		Registry() *core.ProviderRegistry
	})
	if !ok {
		return nil
	}
	registry := owner.Registry()
	if registry == nil {
		return nil
	}
	return registry
}
