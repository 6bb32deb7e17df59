package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const storageCacheKeyPrefix = "go-authsession::storage::v1"

// CachedStore puts a read-through cache in front of another KeyValueStore.
// Writes go to the base store first and then invalidate the cached key.
type CachedStore struct {
	base  core.KeyValueStore
	cache repositorycache.CacheService
}

func NewCachedStore(base core.KeyValueStore, cacheService repositorycache.CacheService) (*CachedStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base storage is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: storage cache service is required")
	}
	return &CachedStore{base: base, cache: cacheService}, nil
}

// StorageCacheKey returns go-authsession::storage::v1::<key> with the key
// URL-path escaped.
func StorageCacheKey(key string) (string, error) {
	normalized, err := normalizeStorageKey(key)
	if err != nil {
		return "", err
	}
	return storageCacheKeyPrefix + "::" + url.PathEscape(normalized), nil
}

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached storage is not configured")
	}
	cacheKey, err := StorageCacheKey(key)
	if err != nil {
		return nil, err
	}
	value, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) ([]byte, error) {
		return s.base.Get(ctx, strings.TrimSpace(key))
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), value...), nil
}

func (s *CachedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached storage is not configured")
	}
	if err := s.base.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return s.invalidate(ctx, key)
}

func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached storage is not configured")
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	return s.invalidate(ctx, key)
}

func (s *CachedStore) invalidate(ctx context.Context, key string) error {
	cacheKey, err := StorageCacheKey(key)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}
