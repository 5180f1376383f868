package store

import (
	"fmt"
	"strings"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);

CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL DEFAULT '',
    kind             TEXT NOT NULL CHECK(kind IN ('research','creative')),
    status           TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued','running','succeeded','failed','cancelled')),
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    started_at       INTEGER NOT NULL DEFAULT 0,
    input_json       TEXT NOT NULL DEFAULT '{}',
    input_image      TEXT NOT NULL DEFAULT '',
    progress         INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
    result_json      TEXT,
    error_json       TEXT,
    remote_task_id   TEXT NOT NULL DEFAULT '',
    events_json      TEXT NOT NULL DEFAULT '[]',
    cancel_requested INTEGER NOT NULL DEFAULT 0 CHECK(cancel_requested IN (0,1))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_session_created ON jobs(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    active_job_id     TEXT NOT NULL DEFAULT '',
    last_command_text TEXT NOT NULL DEFAULT '',
    last_intent       TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
`

func (s *SQLiteStore) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return s.addColumnIfMissing("jobs", "remote_task_id", "TEXT NOT NULL DEFAULT ''")
}

func (s *SQLiteStore) tableSQL(table string) (string, error) {
	var sqlText string
	if err := s.Writer.QueryRow(`SELECT COALESCE(sql,'') FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&sqlText); err != nil {
		return "", fmt.Errorf("load %s table SQL: %w", table, err)
	}
	return strings.ToLower(sqlText), nil
}

// addColumnIfMissing upgrades databases created before a column existed.
func (s *SQLiteStore) addColumnIfMissing(table, column, decl string) error {
	sqlText, err := s.tableSQL(table)
	if err != nil {
		return err
	}
	if strings.Contains(sqlText, column) {
		return nil
	}
	if _, err := s.Writer.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
