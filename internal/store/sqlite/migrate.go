package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate applies pending schema migrations and verifies referential
// integrity before returning, aborting startup on either failure. Goose
// tracks its own version table inside the database, so this is safe to run
// on every startup: a fresh file gets the full schema, an existing one only
// the migrations it's missing.
func migrate(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	goose.SetBaseFS(migrationsFS)

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	log.Info("applying migrations")
	if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	if err := verifyIntegrity(ctx, db); err != nil {
		return fmt.Errorf("post-migration integrity check failed: %w", err)
	}

	log.Info("migrations applied")
	return nil
}

// verifyIntegrity runs SQLite's foreign key checker; a violation aborts
// startup rather than leaving a daemon running against a corrupt schema.
func verifyIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	if rows.Next() {
		return fmt.Errorf("foreign key violations detected after migration")
	}
	return rows.Err()
}
