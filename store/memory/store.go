// Package memory provides an in-process KeyValueStore backed by go-cache.
// Values never leave the process.
package memory

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type Store struct {
	c *gocache.Cache
}

// New returns a store whose entries expire after defaultTTL unless Set is
// given its own ttl. A non-positive defaultTTL keeps entries until deleted.
func New(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = gocache.NoExpiration
	}
	return &Store{c: gocache.New(defaultTTL, defaultCleanupInterval)}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, ok := s.c.Get(normalizeKey(key))
	if !ok {
		return nil, core.ErrStorageNotFound
	}
	payload, _ := value.([]byte)
	return append([]byte(nil), payload...), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.c.Set(normalizeKey(key), append([]byte(nil), value...), ttl)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.c.Delete(normalizeKey(key))
	return nil
}

// Len reports the number of unexpired entries.
func (s *Store) Len() int {
	return s.c.ItemCount()
}

// Flush drops every entry.
func (s *Store) Flush() {
	s.c.Flush()
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}

var _ core.KeyValueStore = (*Store)(nil)
