package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type storeBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorReporter   ErrorReporter
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	registry        *ProviderRegistry
	providers       []Provider
	rateLimiter     ActionLimiter
	httpClient      HTTPDoer
	clock           Clock
	random          func() float64
}

type Option func(*storeBuilder)

func WithLogger(logger Logger) Option {
	return func(b *storeBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *storeBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *storeBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorReporter(reporter ErrorReporter) Option {
	return func(b *storeBuilder) {
		b.errorReporter = reporter
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *storeBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *storeBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *storeBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRegistry(registry *ProviderRegistry) Option {
	return func(b *storeBuilder) {
		b.registry = registry
	}
}

// WithProviders registers providers in the given order after the registry is
// resolved. Providers rejected by the allowlist are skipped.
func WithProviders(providers ...Provider) Option {
	return func(b *storeBuilder) {
		b.providers = append(b.providers, providers...)
	}
}

func WithRateLimiter(limiter ActionLimiter) Option {
	return func(b *storeBuilder) {
		b.rateLimiter = limiter
	}
}

// WithHTTPClient sets the transport used for profile fetches and wrapped by
// the interceptor.
func WithHTTPClient(client HTTPDoer) Option {
	return func(b *storeBuilder) {
		b.httpClient = client
	}
}

func WithClock(clock Clock) Option {
	return func(b *storeBuilder) {
		b.clock = clock
	}
}

// WithRandom overrides the jitter source; it must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(b *storeBuilder) {
		b.random = random
	}
}

func defaultStoreBuilder(runtime Config) storeBuilder {
	loggerProvider, logger := glog.Resolve("authsession", nil, nil)
	return storeBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorReporter:   NopErrorReporter{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		registry:        NewProviderRegistry(),
		random:          rand.Float64,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return authErrorMapper(err)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	mapped := mapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// NewStaticConfigLoader wraps an already decoded map, e.g. parsed YAML.
func NewStaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoOptionsResolver layers defaults, loaded config and runtime overrides, in
// increasing priority.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(target map[string]any, key, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			target[key] = value
		}
	}
	setInt := func(target map[string]any, key string, value int) {
		if includeZero || value != 0 {
			target[key] = value
		}
	}
	setBool := func(target map[string]any, key string, value bool) {
		if includeZero || value {
			target[key] = value
		}
	}
	setNested := func(key string, nested map[string]any) {
		if len(nested) > 0 {
			layer[key] = nested
		}
	}

	setString(layer, "service_name", cfg.ServiceName)

	providers := map[string]any{}
	if includeZero || len(cfg.Providers.Enabled) > 0 {
		providers["enabled"] = append([]string(nil), cfg.Providers.Enabled...)
	}
	setString(providers, "default", cfg.Providers.Default)
	setString(providers, "anonymous", cfg.Providers.Anonymous)
	if len(cfg.Providers.Credentials) > 0 {
		credentials := make(map[string]any, len(cfg.Providers.Credentials))
		for name, values := range cfg.Providers.Credentials {
			entry := make(map[string]any, len(values))
			for key, value := range values {
				entry[key] = value
			}
			credentials[name] = entry
		}
		providers["credentials"] = credentials
	}
	setNested("providers", providers)

	anonymous := map[string]any{}
	setBool(anonymous, "enabled", cfg.Anonymous.Enabled)
	setBool(anonymous, "auto_start", cfg.Anonymous.AutoStart)
	setNested("anonymous", anonymous)

	timeouts := map[string]any{}
	setInt(timeouts, "token_refresh", int(cfg.Timeouts.TokenRefresh))
	setInt(timeouts, "profile_fetch", int(cfg.Timeouts.ProfileFetch))
	setInt(timeouts, "request", int(cfg.Timeouts.Request))
	setInt(timeouts, "sdk_load", int(cfg.Timeouts.SDKLoad))
	setNested("timeouts", timeouts)

	retry := map[string]any{}
	setInt(retry, "max_retries", cfg.Retry.MaxRetries)
	setInt(retry, "network_max_retries", cfg.Retry.NetworkMaxRetries)
	setInt(retry, "anonymous_max_retries", cfg.Retry.AnonymousMaxRetries)
	setInt(retry, "base_delay", int(cfg.Retry.BaseDelay))
	if includeZero || cfg.Retry.Multiplier != 0 {
		retry["multiplier"] = cfg.Retry.Multiplier
	}
	setInt(retry, "jitter_range", int(cfg.Retry.JitterRange))
	setInt(retry, "max_delay", int(cfg.Retry.MaxDelay))
	setInt(retry, "fixed_delay", int(cfg.Retry.FixedDelay))
	setInt(retry, "max_retry_after", int(cfg.Retry.MaxRetryAfter))
	if includeZero || len(cfg.Retry.RetryableStatusCodes) > 0 {
		retry["retryable_status_codes"] = append([]int(nil), cfg.Retry.RetryableStatusCodes...)
	}
	setNested("retry", retry)

	rateLimit := map[string]any{}
	setBool(rateLimit, "disabled", cfg.RateLimit.Disabled)
	if len(cfg.RateLimit.Actions) > 0 {
		actions := make(map[string]any, len(cfg.RateLimit.Actions))
		for action, rule := range cfg.RateLimit.Actions {
			actions[action] = map[string]any{
				"max":    rule.Max,
				"window": int(rule.Window),
			}
		}
		rateLimit["actions"] = actions
	}
	setNested("rate_limit", rateLimit)

	breaker := map[string]any{}
	setBool(breaker, "disabled", cfg.CircuitBreaker.Disabled)
	setInt(breaker, "failure_threshold", cfg.CircuitBreaker.FailureThreshold)
	setInt(breaker, "timeout", int(cfg.CircuitBreaker.Timeout))
	setInt(breaker, "half_open_requests", cfg.CircuitBreaker.HalfOpenRequests)
	setNested("circuit_breaker", breaker)

	session := map[string]any{}
	setInt(session, "refresh_buffer", int(cfg.Session.RefreshBuffer))
	setInt(session, "validation_interval", int(cfg.Session.ValidationInterval))
	setInt(session, "health_check_interval", int(cfg.Session.HealthCheckInterval))
	setInt(session, "profile_auth_failure_threshold", cfg.Session.ProfileAuthFailureThreshold)
	setString(session, "token_storage", cfg.Session.TokenStorage)
	setInt(session, "storage_ttl", int(cfg.Session.StorageTTL))
	setNested("session", session)

	backend := map[string]any{}
	setString(backend, "base_url", cfg.Backend.BaseURL)
	setString(backend, "validation_path", cfg.Backend.ValidationPath)
	setString(backend, "csrf_cookie", cfg.Backend.CSRFCookie)
	setString(backend, "csrf_header", cfg.Backend.CSRFHeader)
	setNested("backend", backend)

	return layer
}
