// Package redis provides a KeyValueStore backed by go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
	rdb "github.com/redis/go-redis/v9"
)

const DefaultPrefix = "authsession:"

type Store struct {
	client rdb.UniversalClient
	prefix string
}

type Option func(*Store)

// WithPrefix namespaces every key. An empty prefix stores keys as given.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func New(client rdb.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis: client is required")
	}
	store := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// NewFromAddr dials a single node client.
func NewFromAddr(addr string, db int, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis: address is required")
	}
	return New(rdb.NewClient(&rdb.Options{Addr: addr, DB: db}), opts...)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, core.ErrStorageNotFound
		}
		return nil, fmt.Errorf("redis: get %q: %w", key, err)
	}
	return payload, nil
}

// Set stores value. A non-positive ttl keeps the key until deleted.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return s.prefix + strings.TrimSpace(key)
}

var _ core.KeyValueStore = (*Store)(nil)
