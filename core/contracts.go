package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Provider is the capability set every credential source must implement.
type Provider interface {
	Name() string
	// NormalizeSession maps the provider raw shape into the canonical session.
	// It reports false when the raw value carries no usable credential.
	NormalizeSession(raw RawSession) (NormalizedSession, bool)
	// GetStoredSession restores a previously persisted session without user
	// interaction. Implementations return (nil, nil) when nothing is stored.
	GetStoredSession(ctx context.Context) (RawSession, error)
	SignOut(ctx context.Context) error
	// HandleTokenExpiry refreshes the credential and returns the refreshed raw
	// session plus the original request re-signed with the new bearer token.
	// It never applies session state itself.
	HandleTokenExpiry(ctx context.Context, view SessionView, req *http.Request) (TokenRefreshResult, error)
	Metadata() ProviderMetadata
}

// SessionView is the read-only store surface handed to providers.
type SessionView interface {
	CurrentSession() *NormalizedSession
	CurrentProvider() string
}

type TokenRefreshResult struct {
	Session RawSession
	Request *http.Request
}

type AnonymousSessionStarter interface {
	StartAnonymousSession(ctx context.Context) (RawSession, error)
}

type AnonymousAccountConverter interface {
	ConvertAnonymousAccount(ctx context.Context, email, password string, metadata map[string]any) (RawSession, error)
}

type SessionMetaCacher interface {
	CacheSessionMeta(ctx context.Context, session NormalizedSession) error
}

type AccountLinker interface {
	LinkAccount(ctx context.Context, view SessionView, credential map[string]any) (*Profile, error)
}

type CredentialSignIn interface {
	SignIn(ctx context.Context, email, password string) (RawSession, error)
}

// KeyValueStore is the pluggable persistence surface used by the rate limiter
// and by providers that keep session metadata between runs.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrStorageNotFound is returned by KeyValueStore.Get for missing keys.
var ErrStorageNotFound = errors.New("core: storage key not found")

type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type ActionLimiter interface {
	CheckRateLimit(ctx context.Context, action string) RateLimitDecision
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// ErrorReport is the payload sent to the side-channel error tracker.
type ErrorReport struct {
	TextCode   string
	Category   string
	Message    string
	Operation  string
	Provider   string
	OccurredAt time.Time
	Metadata   map[string]any
}

type ErrorReporter interface {
	Report(ctx context.Context, report ErrorReport) error
}

type Clock func() time.Time

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
