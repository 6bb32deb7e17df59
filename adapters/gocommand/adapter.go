package gocommand

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	goerrors "github.com/goliatone/go-errors"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

var errRegistryNotConfigured = fmt.Errorf("gocommand: registry is not configured")

// ValidateMessageContract checks a session message before it reaches the
// dispatcher: Type() must name it and Validate() must pass when present.
// Contract violations come back as AUTH_BAD_INPUT validation errors; errors
// from Validate() are returned as the message produced them.
func ValidateMessageContract(msg any) error {
	m, ok := msg.(command.Message)
	if !ok {
		return contractError(fmt.Sprintf("%T does not implement Type() string", msg))
	}
	if strings.TrimSpace(m.Type()) == "" {
		return contractError(fmt.Sprintf("%T has an empty message type", msg))
	}
	return command.ValidateMessage(msg)
}

func contractError(message string) error {
	return goerrors.NewValidation("gocommand: message contract violated", goerrors.FieldError{
		Field:   "type",
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorBadInput)
}

// RegistryAdapter owns the go-command registry the session handlers are
// registered in. The go-job queue resolver hooks in here so a worker sees
// the same set of commands.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) configured() bool {
	return a != nil && a.registry != nil
}

func (a *RegistryAdapter) withRegistry(fn func(*command.Registry) error) error {
	if !a.configured() {
		return errRegistryNotConfigured
	}
	return fn(a.registry)
}

// RegisterCommand also accepts queriers; go-command keys both by message type.
func (a *RegistryAdapter) RegisterCommand(handler any) error {
	return a.withRegistry(func(r *command.Registry) error {
		return r.RegisterCommand(handler)
	})
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	return a.withRegistry(func(r *command.Registry) error {
		return r.AddResolver(strings.TrimSpace(key), resolver)
	})
}

// AddQueueResolver mirrors registered session commands into a go-job queue
// registry.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	return a.configured() && a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	return a.withRegistry(func(r *command.Registry) error {
		return r.Initialize()
	})
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

// Dispatch validates msg and sends it to the subscribed command.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query validates msg and returns the subscribed querier's answer.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

// DispatchWithResult dispatches msg and returns the value the command stored
// in its result collector. ok is false when the command stored nothing.
func DispatchWithResult[T any, R any](ctx context.Context, msg T) (R, bool, error) {
	var zero R
	if ctx == nil {
		ctx = context.Background()
	}
	collector := command.NewResult[R]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return zero, false, err
	}
	value, ok := collector.Load()
	if !ok {
		return zero, false, nil
	}
	return value, true, nil
}

// bind subscribes handler and registers it. The subscription is dropped
// again when registration fails.
func bind(adapter *RegistryAdapter, handler any, subscribe func() commanddispatcher.Subscription) (commanddispatcher.Subscription, error) {
	if !adapter.configured() {
		return nil, errRegistryNotConfigured
	}
	if handler == nil {
		return nil, fmt.Errorf("gocommand: handler is required")
	}
	subscription := subscribe()
	if err := adapter.RegisterCommand(handler); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return bind(adapter, nil, nil)
	}
	return bind(adapter, cmd, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	})
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return bind(adapter, nil, nil)
	}
	return bind(adapter, qry, func() commanddispatcher.Subscription {
		return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	})
}
