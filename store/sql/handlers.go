package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func storageEntryHandlers() repository.ModelHandlers[*storageEntryRecord] {
	return repository.ModelHandlers[*storageEntryRecord]{
		NewRecord: func() *storageEntryRecord {
			return &storageEntryRecord{}
		},
		GetID: func(record *storageEntryRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *storageEntryRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "storage_key"
		},
		GetIdentifierValue: func(record *storageEntryRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.StorageKey)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
