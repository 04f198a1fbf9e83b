package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the tables the backend reads and writes. Entries cascade
// with their container row.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS durable_containers (
		name     TEXT PRIMARY KEY,
		saved_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS durable_entries (
		container  TEXT NOT NULL REFERENCES durable_containers (name) ON DELETE CASCADE,
		key        TEXT NOT NULL,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (container, key)
	)`,
}

// ApplyMigrations executes the provided SQL statements in order inside one
// transaction.
func ApplyMigrations(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Migrate creates the backend's tables if they are missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	return ApplyMigrations(ctx, db, Schema...)
}
