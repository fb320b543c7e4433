package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// baseSchema is schema generation 1: the core tables. Generation 2 adds the
// response_latency_ms column to provider_history.
const baseSchema = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS providers (
		provider_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		auth_source TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		enable_notifications INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS provider_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		provider_name TEXT NOT NULL DEFAULT '',
		is_available INTEGER NOT NULL DEFAULT 0,
		is_quota_based INTEGER NOT NULL DEFAULT 0,
		plan_class TEXT NOT NULL DEFAULT '',
		requests_used REAL NOT NULL DEFAULT 0,
		requests_available REAL NOT NULL DEFAULT 0,
		requests_percentage REAL NOT NULL DEFAULT 0,
		usage_unit TEXT NOT NULL DEFAULT '',
		cost_used REAL NOT NULL DEFAULT 0,
		cost_limit REAL NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		auth_source TEXT NOT NULL DEFAULT '',
		next_reset_time TEXT,
		fetched_at TEXT NOT NULL,
		http_status INTEGER NOT NULL DEFAULT 0,
		details_json TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS raw_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		http_status INTEGER NOT NULL DEFAULT 0,
		raw_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reset_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		previous_percentage REAL NOT NULL DEFAULT 0,
		new_percentage REAL NOT NULL DEFAULT 0,
		reset_type TEXT NOT NULL DEFAULT 'Automatic'
	);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint TEXT NOT NULL UNIQUE,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
`

// migrate brings the schema up to the compiled generation. All steps are
// idempotent, so a partially migrated database recovers on the next open.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	if current < 2 {
		if err := s.addColumnIfMissing("provider_history", "response_latency_ms", "INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}

	s.hasLatencyColumn, err = s.columnExists("provider_history", "response_latency_ms")
	if err != nil {
		return err
	}

	if current != schemaVersion {
		if err := s.setVersion(schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setVersion(version int) error {
	if _, err := s.db.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("clear schema version: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// columnExists probes the table catalog for a column.
func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *Store) addColumnIfMissing(table, column, definition string) error {
	exists, err := s.columnExists(table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
