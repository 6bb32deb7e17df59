package core

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults"},
		{name: "session storage", mutate: func(c *Config) { c.Session.TokenStorage = TokenStorageSession }},
		{name: "local storage", mutate: func(c *Config) { c.Session.TokenStorage = TokenStorageLocal }, wantErr: "not allowed"},
		{name: "unknown storage", mutate: func(c *Config) { c.Session.TokenStorage = "cookie" }, wantErr: "invalid"},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = " " }, wantErr: "service_name"},
		{name: "breaker threshold", mutate: func(c *Config) { c.CircuitBreaker.FailureThreshold = 0 }, wantErr: "failure_threshold"},
		{name: "disabled breaker", mutate: func(c *Config) {
			c.CircuitBreaker.Disabled = true
			c.CircuitBreaker.FailureThreshold = 0
		}},
		{name: "negative retries", mutate: func(c *Config) { c.Retry.MaxRetries = -1 }, wantErr: "non-negative"},
		{name: "shrinking multiplier", mutate: func(c *Config) { c.Retry.Multiplier = 0.5 }, wantErr: "multiplier"},
		{name: "rate limit rule", mutate: func(c *Config) {
			c.RateLimit.Actions[ActionLogin] = RateLimitRule{Max: 0, Window: time.Minute}
		}, wantErr: "rate_limit"},
		{name: "default outside allowlist", mutate: func(c *Config) {
			c.Providers.Enabled = []string{"oauth"}
			c.Providers.Default = "backend"
		}, wantErr: "default provider"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestConfigProviderEnabled(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.ProviderEnabled("anything") {
		t.Fatalf("expected empty allowlist to enable every provider")
	}
	cfg.Providers.Enabled = []string{"OAuth"}
	if !cfg.ProviderEnabled("oauth") || cfg.ProviderEnabled("backend") {
		t.Fatalf("expected case-insensitive allowlist matching")
	}
}
