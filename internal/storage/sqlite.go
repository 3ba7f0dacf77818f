package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and runs migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// --- Config entry ---

// SaveConfigEntry stores the single config entry, replacing any existing one
func (db *DB) SaveConfigEntry(entry *ConfigEntry) error {
	now := time.Now()
	_, err := db.conn.Exec(`
		INSERT INTO config_entries (id, version, source, state, token_encrypted, update_interval, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			source = excluded.source,
			state = excluded.state,
			token_encrypted = excluded.token_encrypted,
			update_interval = excluded.update_interval,
			updated_at = excluded.updated_at
	`, entry.Version, entry.Source, entry.State, entry.TokenEncrypted, entry.UpdateIntervalSeconds, now, now)
	if err != nil {
		return fmt.Errorf("failed to save config entry: %w", err)
	}
	return nil
}

// GetConfigEntry retrieves the config entry, or nil if none exists
func (db *DB) GetConfigEntry() (*ConfigEntry, error) {
	row := db.conn.QueryRow(`
		SELECT id, version, source, state, token_encrypted, update_interval, created_at, updated_at
		FROM config_entries WHERE id = 1
	`)

	var entry ConfigEntry
	err := row.Scan(&entry.ID, &entry.Version, &entry.Source, &entry.State, &entry.TokenEncrypted,
		&entry.UpdateIntervalSeconds, &entry.CreatedAt, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config entry: %w", err)
	}
	return &entry, nil
}

// SetConfigEntryState updates only the entry state
func (db *DB) SetConfigEntryState(state string) error {
	_, err := db.conn.Exec("UPDATE config_entries SET state = ?, updated_at = ? WHERE id = 1", state, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set config entry state: %w", err)
	}
	return nil
}

// DeleteConfigEntry removes the config entry
func (db *DB) DeleteConfigEntry() error {
	_, err := db.conn.Exec("DELETE FROM config_entries")
	return err
}

// --- Entity state ---

// SaveEntityState saves or updates the last published state of an entity
func (db *DB) SaveEntityState(rec *EntityRecord) error {
	_, err := db.conn.Exec(`
		INSERT INTO entity_state (entity_id, kind, name, available, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			available = excluded.available,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, rec.EntityID, rec.Kind, rec.Name, rec.Available, string(rec.State), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save entity state: %w", err)
	}
	return nil
}

// GetAllEntityStates retrieves all stored entity states
func (db *DB) GetAllEntityStates() ([]EntityRecord, error) {
	rows, err := db.conn.Query(`
		SELECT entity_id, kind, name, available, state, updated_at
		FROM entity_state
		ORDER BY entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity states: %w", err)
	}
	defer rows.Close()

	var records []EntityRecord
	for rows.Next() {
		var rec EntityRecord
		var state sql.NullString
		if err := rows.Scan(&rec.EntityID, &rec.Kind, &rec.Name, &rec.Available, &state, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity state: %w", err)
		}
		if state.Valid && state.String != "" {
			rec.State = json.RawMessage(state.String)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteEntityState removes an entity that no longer exists in the cloud
func (db *DB) DeleteEntityState(entityID string) error {
	_, err := db.conn.Exec("DELETE FROM entity_state WHERE entity_id = ?", entityID)
	if err != nil {
		return fmt.Errorf("failed to delete entity state %s: %w", entityID, err)
	}
	return nil
}

// --- Import notice ---

// GetImportNotice returns the legacy import notice state
func (db *DB) GetImportNotice() (*ImportNotice, error) {
	var n ImportNotice
	err := db.conn.QueryRow("SELECT shown, acknowledged, updated_at FROM import_notice WHERE id = 1").
		Scan(&n.Shown, &n.Acknowledged, &n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get import notice: %w", err)
	}
	return &n, nil
}

// ShowImportNotice marks the notice as raised
func (db *DB) ShowImportNotice() error {
	_, err := db.conn.Exec("UPDATE import_notice SET shown = TRUE, updated_at = ? WHERE id = 1", time.Now())
	if err != nil {
		return fmt.Errorf("failed to show import notice: %w", err)
	}
	return nil
}

// AcknowledgeImportNotice marks the notice as dismissed for good
func (db *DB) AcknowledgeImportNotice() error {
	_, err := db.conn.Exec("UPDATE import_notice SET acknowledged = TRUE, updated_at = ? WHERE id = 1", time.Now())
	if err != nil {
		return fmt.Errorf("failed to acknowledge import notice: %w", err)
	}
	return nil
}

// --- Event Log ---

// LogEvent appends to the event log; details are stored as JSON
func (db *DB) LogEvent(source EventSource, eventType EventType, message string, details interface{}) error {
	var encoded sql.NullString
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}

	if _, err := db.conn.Exec(
		"INSERT INTO event_log (timestamp, source, event_type, message, details) VALUES (?, ?, ?, ?, ?)",
		time.Now(), source, eventType, message, encoded,
	); err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// eventLogQuery builds the SELECT for a filter, newest first
func eventLogQuery(filter EventLogFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.Source != nil {
		add("source = ?", *filter.Source)
	}
	if filter.EventType != nil {
		add("event_type = ?", *filter.EventType)
	}
	if filter.Since != nil {
		add("timestamp >= ?", *filter.Since)
	}
	if filter.Until != nil {
		add("timestamp <= ?", *filter.Until)
	}

	query := "SELECT id, timestamp, source, event_type, message, details FROM event_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	// SQLite needs a LIMIT before OFFSET; -1 means no limit
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)
	return query, args
}

// GetEventLogs returns events matching the filter, newest first
func (db *DB) GetEventLogs(filter EventLogFilter) ([]EventLog, error) {
	query, args := eventLogQuery(filter)
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event logs: %w", err)
	}
	defer rows.Close()

	var logs []EventLog
	for rows.Next() {
		var (
			ev      EventLog
			message sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Source, &ev.EventType, &message, &details); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		ev.Message = message.String
		if details.String != "" {
			ev.Details = json.RawMessage(details.String)
		}
		logs = append(logs, ev)
	}
	return logs, rows.Err()
}

// PruneEventLogs deletes events older than the cutoff and reports how many
func (db *DB) PruneEventLogs(olderThan time.Time) (int64, error) {
	res, err := db.conn.Exec("DELETE FROM event_log WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	return res.RowsAffected()
}
