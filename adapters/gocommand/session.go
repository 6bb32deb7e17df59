package gocommand

import (
	"errors"
	"fmt"

	authcommand "github.com/goliatone/go-authsession/command"
	authquery "github.com/goliatone/go-authsession/query"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
)

// SessionService is the full surface behind the session commands and
// queries. *core.SessionStore satisfies it.
type SessionService interface {
	authcommand.MutatingService
	authcommand.LinkingService
	authquery.SnapshotReader
	authquery.LinkingSnapshotReader
}

// SessionSubscriptions holds every dispatcher subscription created by
// RegisterSession.
type SessionSubscriptions struct {
	subscriptions []commanddispatcher.Subscription
}

func (s *SessionSubscriptions) Len() int {
	if s == nil {
		return 0
	}
	return len(s.subscriptions)
}

func (s *SessionSubscriptions) Unsubscribe() {
	if s == nil {
		return
	}
	for _, subscription := range s.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	s.subscriptions = nil
}

func (s *SessionSubscriptions) add(subscription commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	s.subscriptions = append(s.subscriptions, subscription)
	return nil
}

// RegisterSession registers and subscribes every session command and query
// for service. metadata backs the provider metadata query; when nil that
// query is skipped. On failure everything subscribed so far is dropped.
func RegisterSession(
	adapter *RegistryAdapter,
	service SessionService,
	metadata authquery.ProviderMetadataReader,
	runnerOpts ...runner.Option,
) (*SessionSubscriptions, error) {
	if !adapter.configured() {
		return nil, errRegistryNotConfigured
	}
	if service == nil {
		return nil, fmt.Errorf("gocommand: session service is required")
	}

	subs := &SessionSubscriptions{}
	err := errors.Join(
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewInitializeCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewSetSessionCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewSignInCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewSignOutCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewRefreshSessionCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewFetchProfileCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewCheckSessionHealthCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewStartAnonymousSessionCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewConvertAnonymousAccountCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewLinkProviderCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribe(adapter, authcommand.NewRestoreLinkingSnapshotCommand(service), runnerOpts...)),
		subs.add(RegisterAndSubscribeQuery(adapter, authquery.NewSessionSnapshotQuery(service), runnerOpts...)),
		subs.add(RegisterAndSubscribeQuery(adapter, authquery.NewCreateLinkingSnapshotQuery(service), runnerOpts...)),
	)
	if err == nil && metadata != nil {
		err = subs.add(RegisterAndSubscribeQuery(adapter, authquery.NewListProviderMetadataQuery(metadata), runnerOpts...))
	}
	if err != nil {
		subs.Unsubscribe()
		return nil, err
	}
	return subs, nil
}
