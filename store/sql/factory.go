package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// OpenDB opens a bun database for the sqlite3 or postgres driver.
func OpenDB(driver, dsn string) (*bun.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	switch driver {
	case DriverSQLite, "sqlite":
		sqlDB, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return bun.NewDB(sqlDB, sqlitedialect.New()), nil
	case DriverPostgres, "postgresql":
		sqlDB, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		return bun.NewDB(sqlDB, pgdialect.New()), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}

// Open opens the database, creates the storage table when missing and
// returns a ready store.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := OpenDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewStore(db)
}

// EnsureSchema creates auth_storage_entries when it does not exist. Deployments
// that run the embedded migrations do not need it.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	if db == nil {
		return fmt.Errorf("sqlstore: bun db is required")
	}
	_, err := db.NewCreateTable().
		Model((*storageEntryRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create storage table: %w", err)
	}
	return nil
}

func NewStoreFromPersistence(client *persistence.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	}
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
