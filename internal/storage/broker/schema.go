package broker

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var (
	migrationsOnce sync.Once
	migrationsFS   fs.FS
	migrationsErr  error
)

func schemaFS() (fs.FS, error) {
	migrationsOnce.Do(func() {
		migrationsFS, migrationsErr = fs.Sub(migrationFiles, "migrations")
	})
	return migrationsFS, migrationsErr
}

// migrate brings a freshly created account database up to the current schema
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := schemaFS()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
