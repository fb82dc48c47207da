package db

import (
	"context"
	"embed"
	"fmt"
	"time"
)

//go:embed migrations/0001_init.sql
var migrationsFS embed.FS

const schemaVersion = 1

// EnsureSchema applies the bootstrap script unless the current schema version
// is already recorded. It reports whether the script ran.
func (db *DB) EnsureSchema(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var applied bool
	err := db.pool.QueryRow(ctx,
		`SELECT to_regclass('public.docrag_meta') IS NOT NULL`,
	).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("failed to check schema table: %w", err)
	}

	if applied {
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM docrag_meta WHERE version = $1)`,
			schemaVersion,
		).Scan(&applied); err != nil {
			return false, fmt.Errorf("failed to check schema version: %w", err)
		}
	}
	if applied {
		db.logger.Debug("schema up to date", "version", schemaVersion)
		return false, nil
	}

	script, err := migrationsFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return false, fmt.Errorf("failed to read bootstrap script: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin bootstrap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(script)); err != nil {
		return false, fmt.Errorf("failed to apply bootstrap script: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit bootstrap: %w", err)
	}

	db.logger.Info("schema applied", "version", schemaVersion)
	return true, nil
}
