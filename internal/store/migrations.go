package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one idempotent schema change, named the way the teacher
// numbers its internal/storage/sqlite/migrations/NNN_*.go files. Schema
// creation for tables named in spec §6 lives in schema.go and runs
// unconditionally before these; migrations.go only holds changes applied
// after the initial core tables existed, so a fresh database never pays
// for migrations it doesn't need (they all become no-ops against an
// already-current schema, but keeping them numbered documents history).
type migration struct {
	name string
	run  func(ctx context.Context, tx *sql.Tx) error
}

// migrationTable tracks which migrations have already run, so RunMigrations
// is safe to call on every Initialize.
const migrationTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at DATETIME NOT NULL
);
`

var migrations = []migration{
	{
		name: "001_cache_entries_ttl_millis_not_null",
		run: func(ctx context.Context, tx *sql.Tx) error {
			// Defends against a pre-existing cache_entries table created
			// before ttl_millis had a NOT NULL default; SQLite can't alter
			// column constraints in place, so this backfills instead.
			_, err := tx.ExecContext(ctx, `UPDATE cache_entries SET ttl_millis = 3600000 WHERE ttl_millis IS NULL`)
			return err
		},
	},
	{
		name: "002_sync_queue_retry_index",
		run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_sync_queue_retries ON sync_queue(retries)`)
			return err
		},
	},
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, in order, each inside its own transaction so a
// failure partway through does not leave a half-applied migration
// recorded as complete.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrationTable); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	for _, mg := range migrations {
		var applied int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, mg.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("store: check migration %s: %w", mg.name, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %s: %w", mg.name, err)
		}
		if err := mg.run(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: migration %s failed: %w", mg.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, datetime('now'))`, mg.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", mg.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", mg.name, err)
		}
	}
	return nil
}
