// Package migrations exposes the embedded auth storage schema per SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"

	authsession "github.com/goliatone/go-authsession"
	persistence "github.com/goliatone/go-persistence-bun"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
)

// Source is the migration tree for one dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc hands one dialect source to a migration runner.
type RegisterFunc func(ctx context.Context, source Source) error

// DialectForDriver maps a database/sql driver name onto a dialect. Unknown
// drivers map to "".
func DialectForDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite
	case "postgres", "postgresql", "pgx":
		return DialectPostgres
	default:
		return ""
	}
}

// Sources returns the postgres and sqlite trees found in root. A nil root
// means the embedded schema. Each tree must hold at least one *.up.sql file.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = authsession.GetMigrationsFS()
	}
	base, basePath, err := resolveBase(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite tree: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: path.Join(basePath, "sqlite"), FS: sqliteFS},
	}
	for _, source := range sources {
		matches, err := fs.Glob(source.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s: %w", source.Path, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s tree %q has no *.up.sql files", source.Dialect, source.Path)
		}
	}
	return sources, nil
}

// ForDialect returns the embedded source for dialect.
func ForDialect(dialect string) (Source, error) {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	sources, err := Sources(nil)
	if err != nil {
		return Source{}, err
	}
	for _, source := range sources {
		if source.Dialect == dialect {
			return source, nil
		}
	}
	return Source{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

// Register calls fn for each embedded source whose dialect is listed. With
// no dialects every source is registered.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) error {
	if fn == nil {
		return fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources(nil)
	if err != nil {
		return err
	}
	wanted := map[string]bool{}
	for _, dialect := range dialects {
		if dialect = strings.ToLower(strings.TrimSpace(dialect)); dialect != "" {
			wanted[dialect] = true
		}
	}
	for _, source := range sources {
		if len(wanted) > 0 && !wanted[source.Dialect] {
			continue
		}
		if err := fn(ctx, source); err != nil {
			return fmt.Errorf("migrations: register %s (%s): %w", source.Dialect, source.Path, err)
		}
	}
	return nil
}

// RegisterWithClient adds the schema for dialect to a go-persistence-bun
// client. Call client.Migrate afterwards to apply it.
func RegisterWithClient(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	if _, err := ForDialect(dialect); err != nil {
		return err
	}
	return Register(ctx, func(_ context.Context, source Source) error {
		client.RegisterSQLMigrations(source.FS)
		return nil
	}, dialect)
}

func resolveBase(root fs.FS) (fs.FS, string, error) {
	if sub, err := fs.Sub(root, rootPath); err == nil {
		if _, statErr := fs.Stat(sub, "."); statErr == nil {
			return sub, rootPath, nil
		}
	}
	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		return nil, "", fmt.Errorf("migrations: %s not found: %w", rootPath, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return root, ".", nil
		}
	}
	return nil, "", fmt.Errorf("migrations: %s not found", rootPath)
}
