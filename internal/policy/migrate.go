package policy

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "paired senders and pending pairing codes",
		SQL: `
		CREATE TABLE IF NOT EXISTS paired_senders (
			account_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			paired_at  INTEGER NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (account_id, sender_id)
		);
		CREATE TABLE IF NOT EXISTS pairing_requests (
			code       TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_requests_sender
			ON pairing_requests(account_id, sender_id);
		`,
	},
	{
		Version:     2,
		Description: "sender display name on pending requests",
		SQL:         `ALTER TABLE pairing_requests ADD COLUMN sender_name TEXT NOT NULL DEFAULT '';`,
	},
}

// migrate brings db up to the latest schema.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Debug("pairing migration applied", "version", m.Version, "description", m.Description)
	}
	return nil
}
