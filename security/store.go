package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-authsession/core"
	glog "github.com/goliatone/go-logger/glog"
)

type StoreOption func(*SealedStore)

// AllowPlaintext lets Get return values written before sealing was turned
// on. They are resealed on the next Set.
func AllowPlaintext() StoreOption {
	return func(s *SealedStore) {
		s.allowPlaintext = true
	}
}

func WithLogger(logger glog.Logger) StoreOption {
	return func(s *SealedStore) {
		s.logger = glog.Ensure(logger)
	}
}

// SealedStore is a core.KeyValueStore that seals values on the way in and
// opens them on the way out. Keys are stored unchanged.
type SealedStore struct {
	next           core.KeyValueStore
	sealer         *Sealer
	allowPlaintext bool
	logger         glog.Logger
}

func NewSealedStore(next core.KeyValueStore, sealer *Sealer, opts ...StoreOption) (*SealedStore, error) {
	if next == nil {
		return nil, fmt.Errorf("security: key value store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("security: sealer is required")
	}
	store := &SealedStore{next: next, sealer: sealer, logger: glog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.sealer.Open(value)
	if err == nil {
		return plaintext, nil
	}
	if errors.Is(err, ErrNotSealed) && s.allowPlaintext {
		s.logger.Debug("read unsealed value", "key", key)
		return value, nil
	}
	s.logger.Warn("sealed value could not be opened", "key", key, "error", err.Error())
	return nil, err
}

func (s *SealedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	sealed, err := s.sealer.Seal(value)
	if err != nil {
		return err
	}
	return s.next.Set(ctx, key, sealed, ttl)
}

func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.next.Delete(ctx, key)
}

var _ core.KeyValueStore = (*SealedStore)(nil)
