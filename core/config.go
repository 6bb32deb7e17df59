package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	TokenStorageMemory  = "memory"
	TokenStorageSession = "session"
	TokenStorageLocal   = "local"

	ActionLogin          = "login"
	ActionProfileFetch   = "profile_fetch"
	ActionConvertAccount = "convert_account"
	ActionAnonymousStart = "anonymous_start"

	BreakerAuth         = "auth"
	BreakerTokenRefresh = "tokenRefresh"
	BreakerProfile      = "profile"

	DefaultValidationPath = "/api/auth/me"
)

type ProvidersConfig struct {
	Enabled     []string                     `koanf:"enabled" mapstructure:"enabled"`
	Default     string                       `koanf:"default" mapstructure:"default"`
	Anonymous   string                       `koanf:"anonymous" mapstructure:"anonymous"`
	Credentials map[string]map[string]string `koanf:"credentials" mapstructure:"credentials"`
}

type AnonymousConfig struct {
	Enabled   bool `koanf:"enabled" mapstructure:"enabled"`
	AutoStart bool `koanf:"auto_start" mapstructure:"auto_start"`
}

type TimeoutConfig struct {
	TokenRefresh time.Duration `koanf:"token_refresh" mapstructure:"token_refresh"`
	ProfileFetch time.Duration `koanf:"profile_fetch" mapstructure:"profile_fetch"`
	Request      time.Duration `koanf:"request" mapstructure:"request"`
	SDKLoad      time.Duration `koanf:"sdk_load" mapstructure:"sdk_load"`
}

type RetryConfig struct {
	MaxRetries           int           `koanf:"max_retries" mapstructure:"max_retries"`
	NetworkMaxRetries    int           `koanf:"network_max_retries" mapstructure:"network_max_retries"`
	AnonymousMaxRetries  int           `koanf:"anonymous_max_retries" mapstructure:"anonymous_max_retries"`
	BaseDelay            time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	Multiplier           float64       `koanf:"multiplier" mapstructure:"multiplier"`
	JitterRange          time.Duration `koanf:"jitter_range" mapstructure:"jitter_range"`
	MaxDelay             time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	FixedDelay           time.Duration `koanf:"fixed_delay" mapstructure:"fixed_delay"`
	MaxRetryAfter        time.Duration `koanf:"max_retry_after" mapstructure:"max_retry_after"`
	RetryableStatusCodes []int         `koanf:"retryable_status_codes" mapstructure:"retryable_status_codes"`
}

type RateLimitRule struct {
	Max    int           `koanf:"max" mapstructure:"max"`
	Window time.Duration `koanf:"window" mapstructure:"window"`
}

type RateLimitConfig struct {
	Disabled bool                     `koanf:"disabled" mapstructure:"disabled"`
	Actions  map[string]RateLimitRule `koanf:"actions" mapstructure:"actions"`
}

type CircuitBreakerConfig struct {
	Disabled         bool          `koanf:"disabled" mapstructure:"disabled"`
	FailureThreshold int           `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	Timeout          time.Duration `koanf:"timeout" mapstructure:"timeout"`
	HalfOpenRequests int           `koanf:"half_open_requests" mapstructure:"half_open_requests"`
}

type SessionConfig struct {
	RefreshBuffer               time.Duration `koanf:"refresh_buffer" mapstructure:"refresh_buffer"`
	ValidationInterval          time.Duration `koanf:"validation_interval" mapstructure:"validation_interval"`
	HealthCheckInterval         time.Duration `koanf:"health_check_interval" mapstructure:"health_check_interval"`
	ProfileAuthFailureThreshold int           `koanf:"profile_auth_failure_threshold" mapstructure:"profile_auth_failure_threshold"`
	TokenStorage                string        `koanf:"token_storage" mapstructure:"token_storage"`
	StorageTTL                  time.Duration `koanf:"storage_ttl" mapstructure:"storage_ttl"`
}

type BackendConfig struct {
	BaseURL        string `koanf:"base_url" mapstructure:"base_url"`
	ValidationPath string `koanf:"validation_path" mapstructure:"validation_path"`
	CSRFCookie     string `koanf:"csrf_cookie" mapstructure:"csrf_cookie"`
	CSRFHeader     string `koanf:"csrf_header" mapstructure:"csrf_header"`
}

type Config struct {
	ServiceName    string               `koanf:"service_name" mapstructure:"service_name"`
	Providers      ProvidersConfig      `koanf:"providers" mapstructure:"providers"`
	Anonymous      AnonymousConfig      `koanf:"anonymous" mapstructure:"anonymous"`
	Timeouts       TimeoutConfig        `koanf:"timeouts" mapstructure:"timeouts"`
	Retry          RetryConfig          `koanf:"retry" mapstructure:"retry"`
	RateLimit      RateLimitConfig      `koanf:"rate_limit" mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker" mapstructure:"circuit_breaker"`
	Session        SessionConfig        `koanf:"session" mapstructure:"session"`
	Backend        BackendConfig        `koanf:"backend" mapstructure:"backend"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "authsession",
		Providers: ProvidersConfig{
			Anonymous: "local",
		},
		Timeouts: TimeoutConfig{
			TokenRefresh: 10 * time.Second,
			ProfileFetch: 10 * time.Second,
			Request:      30 * time.Second,
			SDKLoad:      10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:           3,
			NetworkMaxRetries:    2,
			AnonymousMaxRetries:  1,
			BaseDelay:            time.Second,
			Multiplier:           2,
			JitterRange:          time.Second,
			MaxDelay:             30 * time.Second,
			FixedDelay:           time.Second,
			MaxRetryAfter:        60 * time.Second,
			RetryableStatusCodes: []int{500, 502, 503, 504},
		},
		RateLimit: RateLimitConfig{
			Actions: map[string]RateLimitRule{
				ActionLogin:          {Max: 5, Window: 5 * time.Minute},
				ActionConvertAccount: {Max: 5, Window: 5 * time.Minute},
				ActionAnonymousStart: {Max: 10, Window: 5 * time.Minute},
				ActionProfileFetch:   {Max: 30, Window: time.Minute},
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			HalfOpenRequests: 3,
		},
		Session: SessionConfig{
			RefreshBuffer:               5 * time.Minute,
			ValidationInterval:          15 * time.Minute,
			HealthCheckInterval:         time.Minute,
			ProfileAuthFailureThreshold: 2,
			TokenStorage:                TokenStorageMemory,
			StorageTTL:                  24 * time.Hour,
		},
		Backend: BackendConfig{
			ValidationPath: DefaultValidationPath,
			CSRFCookie:     "csrf_token",
			CSRFHeader:     "X-CSRF-Token",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Session.TokenStorage)) {
	case "", TokenStorageMemory, TokenStorageSession:
	case TokenStorageLocal:
		return fmt.Errorf("core: token_storage %q is not allowed; use memory or session", TokenStorageLocal)
	default:
		return fmt.Errorf("core: token_storage %q is invalid", c.Session.TokenStorage)
	}
	if !c.CircuitBreaker.Disabled {
		if c.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("core: circuit_breaker.failure_threshold must be at least 1")
		}
		if c.CircuitBreaker.HalfOpenRequests < 1 {
			return fmt.Errorf("core: circuit_breaker.half_open_requests must be at least 1")
		}
	}
	if c.Retry.MaxRetries < 0 || c.Retry.NetworkMaxRetries < 0 || c.Retry.AnonymousMaxRetries < 0 {
		return fmt.Errorf("core: retry budgets must be non-negative")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("core: retry.multiplier must be at least 1")
	}
	for action, rule := range c.RateLimit.Actions {
		if rule.Max < 1 || rule.Window <= 0 {
			return fmt.Errorf("core: rate_limit action %q requires max >= 1 and a positive window", action)
		}
	}
	if def := strings.TrimSpace(c.Providers.Default); def != "" && len(c.Providers.Enabled) > 0 && !containsName(c.Providers.Enabled, def) {
		return fmt.Errorf("core: default provider %q is not in the enabled providers", def)
	}
	return nil
}

// ProviderEnabled reports whether name passes the provider allowlist. An empty
// allowlist enables every provider.
func (c Config) ProviderEnabled(name string) bool {
	if len(c.Providers.Enabled) == 0 {
		return true
	}
	return containsName(c.Providers.Enabled, name)
}

func (c Config) breakerConfig() BreakerConfig {
	return BreakerConfig{
		Disabled:         c.CircuitBreaker.Disabled,
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		Timeout:          c.CircuitBreaker.Timeout,
		HalfOpenRequests: c.CircuitBreaker.HalfOpenRequests,
	}
}

func (c Config) validationPath() string {
	if path := strings.TrimSpace(c.Backend.ValidationPath); path != "" {
		return path
	}
	return DefaultValidationPath
}

func containsName(values []string, name string) bool {
	name = strings.TrimSpace(name)
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), name) {
			return true
		}
	}
	return false
}
