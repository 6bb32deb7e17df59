package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-authsession/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Store is a KeyValueStore over the auth_storage_entries table. Expired rows
// read as missing and are removed lazily or by PurgeExpired.
type Store struct {
	db   *bun.DB
	repo repository.Repository[*storageEntryRecord]
	now  func() time.Time
}

func NewStore(db *bun.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*storageEntryRecord](db, storageEntryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid storage entry repository wiring: %w", err)
		}
	}
	return &Store{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) DB() *bun.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: storage store is not configured")
	}
	key, err := normalizeStorageKey(key)
	if err != nil {
		return nil, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("storage_key", "=", key),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, core.ErrStorageNotFound
	}
	record := records[0]
	if record.expired(s.now()) {
		if _, delErr := s.db.NewDelete().
			Model((*storageEntryRecord)(nil)).
			Where("id = ?", record.ID).
			Exec(ctx); delErr != nil {
			return nil, delErr
		}
		return nil, core.ErrStorageNotFound
	}
	return append([]byte(nil), record.Value...), nil
}

// Set inserts or replaces the value under key. A non-positive ttl stores the
// row without an expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: storage store is not configured")
	}
	key, err := normalizeStorageKey(key)
	if err != nil {
		return err
	}
	now := s.now()
	var expiresAt *time.Time
	if ttl > 0 {
		at := now.Add(ttl)
		expiresAt = &at
	}
	if value == nil {
		value = []byte{}
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findStorageEntryTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if record == nil {
			_, createErr := s.repo.CreateTx(ctx, tx, &storageEntryRecord{
				ID:         uuid.NewString(),
				StorageKey: key,
				Value:      value,
				ExpiresAt:  expiresAt,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
			return createErr
		}
		_, updateErr := tx.NewUpdate().
			Model((*storageEntryRecord)(nil)).
			Set("value = ?", value).
			Set("expires_at = ?", expiresAt).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Exec(ctx)
		return updateErr
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: storage store is not configured")
	}
	key, err := normalizeStorageKey(key)
	if err != nil {
		return err
	}
	_, err = s.db.NewDelete().
		Model((*storageEntryRecord)(nil)).
		Where("storage_key = ?", key).
		Exec(ctx)
	return err
}

// PurgeExpired removes every expired row and reports how many were deleted.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: storage store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*storageEntryRecord)(nil)).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func findStorageEntryTx(ctx context.Context, tx bun.Tx, key string) (*storageEntryRecord, error) {
	record := &storageEntryRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.storage_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func normalizeStorageKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("sqlstore: storage key is required")
	}
	return key, nil
}
