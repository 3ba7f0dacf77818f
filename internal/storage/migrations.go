package storage

import (
	"database/sql"
	"fmt"

	"github.com/stephens/remo-bridge/internal/log"
)

type migration struct {
	version int
	name    string
	sql     string
}

// migrations are applied in order; never edit one that has shipped
var migrations = []migration{
	{
		version: 1,
		name:    "create_config_entries_table",
		sql: `
			CREATE TABLE IF NOT EXISTS config_entries (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				source TEXT NOT NULL,
				state TEXT NOT NULL,
				token_encrypted BLOB NOT NULL,
				update_interval INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: 2,
		name:    "create_entity_state_table",
		sql: `
			CREATE TABLE IF NOT EXISTS entity_state (
				entity_id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				name TEXT,
				available BOOLEAN,
				state JSON,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: 3,
		name:    "create_event_log_table",
		sql: `
			CREATE TABLE IF NOT EXISTS event_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
				source TEXT NOT NULL,
				event_type TEXT NOT NULL,
				message TEXT,
				details JSON
			);
			CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
			CREATE INDEX IF NOT EXISTS idx_event_log_source ON event_log(source);
			CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
		`,
	},
	{
		version: 4,
		name:    "create_import_notice_table",
		sql: `
			CREATE TABLE IF NOT EXISTS import_notice (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				shown BOOLEAN DEFAULT FALSE,
				acknowledged BOOLEAN DEFAULT FALSE,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			INSERT OR IGNORE INTO import_notice (id) VALUES (1);
		`,
	},
}

// RunMigrations brings the schema up to the latest version. Each
// migration runs in its own transaction together with its version row
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		log.Debug("Applied migration %d: %s", m.version, m.name)
	}
	return nil
}

const schemaTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
`

func apply(db *sql.DB, m migration) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.version, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec(m.sql); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
	}
	if _, err = tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
		return fmt.Errorf("migration %d: record version: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}
