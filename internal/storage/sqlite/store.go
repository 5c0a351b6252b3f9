// Package sqlite provides a SQLite-backed reading history for single-node
// deployments that want SQL queries without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"Fortune-Oracle/internal/storage/sqlite/migrations"
	"Fortune-Oracle/internal/storage/sqlmigrate"
	"Fortune-Oracle/internal/storage/sqlstore"

	_ "modernc.org/sqlite"
)

// Open opens the database file at path, applies migrations and returns the store.
func Open(ctx context.Context, path string) (*sqlstore.ReadingStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite 只允许单写者。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlmigrate.Apply(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return sqlstore.New(db), nil
}
