// Package authsession is the entry point for the client-side session
// manager. It re-exports the core types and wires providers, storage and the
// command/query surface together.
package authsession

import "github.com/goliatone/go-authsession/core"

type Config = core.Config

type Option = core.Option

type SessionStore = core.SessionStore

type SessionSnapshot = core.SessionSnapshot

type NormalizedSession = core.NormalizedSession

type RawSession = core.RawSession

type Profile = core.Profile

type Provider = core.Provider

type ProviderMetadata = core.ProviderMetadata

type ProviderRegistry = core.ProviderRegistry

type LinkingSnapshot = core.LinkingSnapshot

type KeyValueStore = core.KeyValueStore

type OAuthStateStore = core.OAuthStateStore

type MetricsRecorder = core.MetricsRecorder

type ErrorReporter = core.ErrorReporter

type ErrorReport = core.ErrorReport

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithErrorReporter   = core.WithErrorReporter
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithRegistry        = core.WithRegistry
	WithProviders       = core.WithProviders
	WithRateLimiter     = core.WithRateLimiter
	WithHTTPClient      = core.WithHTTPClient
	WithClock           = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewSessionStore(cfg Config, opts ...Option) (*SessionStore, error) {
	return core.NewSessionStore(cfg, opts...)
}
