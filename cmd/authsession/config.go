package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	authsession "github.com/goliatone/go-authsession"
	"github.com/goliatone/go-authsession/core"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape read by the CLI. Unset fields keep the
// library defaults.
type fileConfig struct {
	ServiceName string `yaml:"service_name"`

	Backend struct {
		BaseURL        string `yaml:"base_url"`
		ValidationPath string `yaml:"validation_path"`
		CSRFCookie     string `yaml:"csrf_cookie"`
		CSRFHeader     string `yaml:"csrf_header"`
	} `yaml:"backend"`

	Anonymous struct {
		Enabled   *bool `yaml:"enabled"`
		AutoStart bool  `yaml:"auto_start"`
	} `yaml:"anonymous"`

	Providers struct {
		Enabled     []string                     `yaml:"enabled"`
		Default     string                       `yaml:"default"`
		Anonymous   string                       `yaml:"anonymous"`
		Credentials map[string]map[string]string `yaml:"credentials"`
	} `yaml:"providers"`

	Session struct {
		TokenStorage string        `yaml:"token_storage"`
		StorageTTL   time.Duration `yaml:"storage_ttl"`
	} `yaml:"session"`

	Timeouts struct {
		TokenRefresh time.Duration `yaml:"token_refresh"`
		ProfileFetch time.Duration `yaml:"profile_fetch"`
		Request      time.Duration `yaml:"request"`
		SDKLoad      time.Duration `yaml:"sdk_load"`
	} `yaml:"timeouts"`

	RateLimit struct {
		Disabled bool `yaml:"disabled"`
		Actions  map[string]struct {
			Max    int           `yaml:"max"`
			Window time.Duration `yaml:"window"`
		} `yaml:"actions"`
	} `yaml:"rate_limit"`

	Storage authsession.StorageConfig `yaml:"storage"`
}

// cliConfig is the resolved configuration for one CLI run.
type cliConfig struct {
	Session authsession.Config
	Storage authsession.StorageConfig
}

func defaultCLIConfig() cliConfig {
	cfg := authsession.DefaultConfig()
	cfg.Anonymous.Enabled = true
	cfg.Session.TokenStorage = core.TokenStorageSession
	return cliConfig{
		Session: cfg,
		Storage: authsession.StorageConfig{
			Driver: authsession.StorageSQLite,
			DSN:    "file:authsession.db?cache=shared",
		},
	}
}

// loadConfig reads envFile (when present), then the YAML file at path (when
// set), then applies AUTHSESSION_* environment overrides.
func loadConfig(path, envFile string) (cliConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cliConfig{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	out := defaultCLIConfig()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cliConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return cliConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		file.apply(&out)
	}
	applyEnv(&out)

	if err := out.Session.Validate(); err != nil {
		return cliConfig{}, err
	}
	return out, nil
}

func (f fileConfig) apply(out *cliConfig) {
	cfg := &out.Session
	setString(&cfg.ServiceName, f.ServiceName)

	setString(&cfg.Backend.BaseURL, f.Backend.BaseURL)
	setString(&cfg.Backend.ValidationPath, f.Backend.ValidationPath)
	setString(&cfg.Backend.CSRFCookie, f.Backend.CSRFCookie)
	setString(&cfg.Backend.CSRFHeader, f.Backend.CSRFHeader)

	if f.Anonymous.Enabled != nil {
		cfg.Anonymous.Enabled = *f.Anonymous.Enabled
	}
	cfg.Anonymous.AutoStart = f.Anonymous.AutoStart

	if len(f.Providers.Enabled) > 0 {
		cfg.Providers.Enabled = append([]string(nil), f.Providers.Enabled...)
	}
	setString(&cfg.Providers.Default, f.Providers.Default)
	setString(&cfg.Providers.Anonymous, f.Providers.Anonymous)
	if len(f.Providers.Credentials) > 0 {
		cfg.Providers.Credentials = make(map[string]map[string]string, len(f.Providers.Credentials))
		for name, creds := range f.Providers.Credentials {
			copied := make(map[string]string, len(creds))
			for key, value := range creds {
				copied[key] = value
			}
			cfg.Providers.Credentials[strings.ToLower(strings.TrimSpace(name))] = copied
		}
	}

	setString(&cfg.Session.TokenStorage, f.Session.TokenStorage)
	setDuration(&cfg.Session.StorageTTL, f.Session.StorageTTL)

	setDuration(&cfg.Timeouts.TokenRefresh, f.Timeouts.TokenRefresh)
	setDuration(&cfg.Timeouts.ProfileFetch, f.Timeouts.ProfileFetch)
	setDuration(&cfg.Timeouts.Request, f.Timeouts.Request)
	setDuration(&cfg.Timeouts.SDKLoad, f.Timeouts.SDKLoad)

	cfg.RateLimit.Disabled = f.RateLimit.Disabled
	for action, rule := range f.RateLimit.Actions {
		cfg.RateLimit.Actions[action] = core.RateLimitRule{Max: rule.Max, Window: rule.Window}
	}

	storage := &out.Storage
	setString(&storage.Driver, f.Storage.Driver)
	setString(&storage.DSN, f.Storage.DSN)
	setString(&storage.RedisAddr, f.Storage.RedisAddr)
	setString(&storage.Prefix, f.Storage.Prefix)
	if f.Storage.RedisDB != 0 {
		storage.RedisDB = f.Storage.RedisDB
	}
	setDuration(&storage.DefaultTTL, f.Storage.DefaultTTL)
	setDuration(&storage.CacheTTL, f.Storage.CacheTTL)
	setString(&storage.EncryptionKey, f.Storage.EncryptionKey)
	setString(&storage.EncryptionKeyID, f.Storage.EncryptionKeyID)
}

// applyEnv overrides the handful of settings worth keeping out of the file.
func applyEnv(out *cliConfig) {
	setString(&out.Session.Backend.BaseURL, os.Getenv("AUTHSESSION_BACKEND_URL"))
	setString(&out.Storage.Driver, os.Getenv("AUTHSESSION_STORAGE_DRIVER"))
	setString(&out.Storage.DSN, os.Getenv("AUTHSESSION_STORAGE_DSN"))
	setString(&out.Storage.RedisAddr, os.Getenv("AUTHSESSION_REDIS_ADDR"))
	setString(&out.Storage.EncryptionKey, os.Getenv("AUTHSESSION_STORAGE_KEY"))
	if raw := strings.TrimSpace(os.Getenv("AUTHSESSION_ANONYMOUS")); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			out.Session.Anonymous.Enabled = enabled
		}
	}
	if key := strings.TrimSpace(os.Getenv("AUTHSESSION_SIGNING_KEY")); key != "" {
		if out.Session.Providers.Credentials == nil {
			out.Session.Providers.Credentials = map[string]map[string]string{}
		}
		creds := out.Session.Providers.Credentials["local"]
		if creds == nil {
			creds = map[string]string{}
			out.Session.Providers.Credentials["local"] = creds
		}
		creds[authsession.CredentialSigningKey] = key
	}
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value time.Duration) {
	if value > 0 {
		*dst = value
	}
}
