package authsession

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
	"github.com/goliatone/go-authsession/ratelimit"
	"github.com/goliatone/go-authsession/security"
	"github.com/goliatone/go-authsession/store/memory"
	redisstore "github.com/goliatone/go-authsession/store/redis"
	sqlstore "github.com/goliatone/go-authsession/store/sql"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageConfig selects the KeyValueStore behind session persistence, the
// rate limiter and OAuth state.
type StorageConfig struct {
	Driver     string        `koanf:"driver" mapstructure:"driver" yaml:"driver"`
	DSN        string        `koanf:"dsn" mapstructure:"dsn" yaml:"dsn"`
	RedisAddr  string        `koanf:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB    int           `koanf:"redis_db" mapstructure:"redis_db" yaml:"redis_db"`
	Prefix     string        `koanf:"prefix" mapstructure:"prefix" yaml:"prefix"`
	DefaultTTL time.Duration `koanf:"default_ttl" mapstructure:"default_ttl" yaml:"default_ttl"`
	// CacheTTL, when positive, puts a read-through cache in front of the
	// sql store.
	CacheTTL time.Duration `koanf:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`
	// EncryptionKey, when set, seals every stored value with AES-GCM.
	EncryptionKey   string `koanf:"encryption_key" mapstructure:"encryption_key" yaml:"encryption_key"`
	EncryptionKeyID string `koanf:"encryption_key_id" mapstructure:"encryption_key_id" yaml:"encryption_key_id"`
}

// Storage is an opened KeyValueStore plus whatever must be released with it.
type Storage struct {
	core.KeyValueStore
	driver string
	close  func() error
}

func (s *Storage) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

func (s *Storage) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStorage opens the store named by cfg.Driver. An empty driver means
// memory.
func OpenStorage(ctx context.Context, cfg StorageConfig) (*Storage, error) {
	opened, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.EncryptionKey) == "" {
		return opened, nil
	}
	sealer, err := security.NewSealerFromString(cfg.EncryptionKey, security.WithKeyID(cfg.EncryptionKeyID))
	if err != nil {
		_ = opened.Close()
		return nil, err
	}
	sealed, err := security.NewSealedStore(opened.KeyValueStore, sealer)
	if err != nil {
		_ = opened.Close()
		return nil, err
	}
	opened.KeyValueStore = sealed
	return opened, nil
}

func openStorage(ctx context.Context, cfg StorageConfig) (*Storage, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", StorageMemory:
		return &Storage{KeyValueStore: memory.New(cfg.DefaultTTL), driver: StorageMemory}, nil
	case StorageRedis:
		var opts []redisstore.Option
		if cfg.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.Prefix))
		}
		store, err := redisstore.NewFromAddr(cfg.RedisAddr, cfg.RedisDB, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("authsession: redis storage unreachable: %w", err)
		}
		return &Storage{KeyValueStore: store, driver: StorageRedis, close: store.Close}, nil
	case StorageSQLite, sqlstore.DriverSQLite, StoragePostgres, "postgresql":
		store, err := sqlstore.Open(ctx, driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		name := StorageSQLite
		if strings.HasPrefix(driver, "postgres") {
			name = StoragePostgres
		}
		opened := &Storage{KeyValueStore: store, driver: name, close: store.DB().Close}
		if cfg.CacheTTL > 0 {
			cacheConfig := repositorycache.DefaultConfig()
			cacheConfig.TTL = cfg.CacheTTL
			cacheService, err := repositorycache.NewCacheService(cacheConfig)
			if err != nil {
				_ = store.DB().Close()
				return nil, fmt.Errorf("authsession: storage cache: %w", err)
			}
			cached, err := sqlstore.NewCachedStore(store, cacheService)
			if err != nil {
				_ = store.DB().Close()
				return nil, err
			}
			opened.KeyValueStore = cached
		}
		return opened, nil
	default:
		return nil, fmt.Errorf("authsession: unsupported storage driver %q", cfg.Driver)
	}
}

// NewRateLimiter builds the sliding window limiter for cfg.RateLimit over
// store.
func NewRateLimiter(store KeyValueStore, cfg Config, logger core.Logger) *ratelimit.SlidingWindowLimiter {
	var opts []ratelimit.Option
	if logger != nil {
		opts = append(opts, ratelimit.WithLogger(logger))
	}
	return ratelimit.NewSlidingWindowLimiter(store, cfg.RateLimit, opts...)
}

// NewOAuthStateStore keeps OAuth relay state in store for ttl.
func NewOAuthStateStore(store KeyValueStore, ttl time.Duration) *core.KeyValueOAuthStateStore {
	return core.NewKeyValueOAuthStateStore(store, ttl, nil)
}
