package postgresql

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLockID guards concurrent migrators (api-service and worker-service start together)
const migrationLockID = 727_140_001

// Migrate applies every embedded migration not yet recorded in schema_migrations
func Migrate(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}

		applied, err := applyMigration(ctx, db, entry.Name(), version)
		if err != nil {
			return err
		}
		if applied {
			logger.Info("Applied migration",
				slog.String("file", entry.Name()),
				slog.Int("version", version),
			)
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, name string, version int) (bool, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("failed to lock migration %s: %w", name, err)
	}

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, version); err != nil {
		return false, fmt.Errorf("failed to check migration %s: %w", name, err)
	}
	if exists > 0 {
		return false, nil
	}

	content, err := migrationFiles.ReadFile(path.Join("migrations", name))
	if err != nil {
		return false, fmt.Errorf("failed to read migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return false, fmt.Errorf("failed to apply migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit migration %s: %w", name, err)
	}
	return true, nil
}

// migrationVersion extracts the leading integer of a migration file name ("001_init.sql" is 1)
func migrationVersion(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}
