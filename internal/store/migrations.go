package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "templates table",
		Up: `
CREATE TABLE IF NOT EXISTS templates (
    user_id     TEXT PRIMARY KEY,
    template    TEXT NOT NULL,
    salt        TEXT NOT NULL,
    salt_key    TEXT NOT NULL,
    commitment  TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    hmac        BLOB NOT NULL
);`,
	},
	{
		Version:     2,
		Description: "record the field hash each commitment was folded with",
		Up:          `ALTER TABLE templates ADD COLUMN hash_name TEXT NOT NULL DEFAULT 'poseidon';`,
	},
}

// LatestVersion is the schema version Migrate brings a database to.
func LatestVersion() int { return migrations[len(migrations)-1].Version }

// Migrate applies pending migrations, each in its own transaction.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}
