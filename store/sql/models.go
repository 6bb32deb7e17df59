package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type storageEntryRecord struct {
	bun.BaseModel `bun:"table:auth_storage_entries,alias:ase"`

	ID         string     `bun:"id,pk"`
	StorageKey string     `bun:"storage_key,notnull,unique"`
	Value      []byte     `bun:"value,notnull"`
	ExpiresAt  *time.Time `bun:"expires_at,nullzero"`
	CreatedAt  time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *storageEntryRecord) expired(now time.Time) bool {
	return r != nil && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
