package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one ordered DDL script. Scripts may hold several
// statements; SQLite commits DDL implicitly at script boundaries, so
// the runner must not wrap a script in an outer transaction.
type migration struct {
	version     int
	description string
	script      string
}

var migrations = []migration{
	{
		version:     1,
		description: "core schema: sessions, prompts, audit_events, workspace_trust",
		script: `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT PRIMARY KEY,
    tool         TEXT NOT NULL,
    cwd          TEXT NOT NULL,
    pid          INTEGER,
    started_at   TEXT NOT NULL,
    ended_at     TEXT,
    status       TEXT NOT NULL DEFAULT 'active',
    exit_code    INTEGER,
    prompt_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prompts (
    id                  TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL REFERENCES sessions(id),
    input_type          TEXT NOT NULL,
    excerpt             TEXT NOT NULL DEFAULT '',
    choices_json        TEXT NOT NULL DEFAULT '[]',
    confidence          REAL NOT NULL DEFAULT 0,
    status              TEXT NOT NULL DEFAULT 'pending',
    safe_default        TEXT NOT NULL DEFAULT 'n',
    channel_msg_ref     INTEGER,
    nonce               TEXT NOT NULL UNIQUE,
    nonce_used          INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    expires_at          TEXT NOT NULL,
    decided_at          TEXT,
    decided_by          TEXT,
    response_normalized TEXT,
    detection_method    TEXT NOT NULL DEFAULT 'pattern'
);

CREATE INDEX IF NOT EXISTS idx_prompts_session ON prompts(session_id);
CREATE INDEX IF NOT EXISTS idx_prompts_status ON prompts(status);

CREATE TABLE IF NOT EXISTS audit_events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    ts         TEXT NOT NULL,
    session_id TEXT,
    prompt_id  TEXT,
    data_json  TEXT NOT NULL DEFAULT '{}',
    prev_hash  TEXT NOT NULL,
    hash       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspace_trust (
    path       TEXT PRIMARY KEY,
    granted_at TEXT NOT NULL,
    granted_by TEXT NOT NULL
);
`,
	},
}

// Migrate applies pending migrations in version order. Each script runs
// outside an explicit transaction (implicit DDL commits); the
// schema_version row is then recorded in its own explicit transaction.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER NOT NULL,
    applied_at  TEXT NOT NULL,
    description TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := db.Exec(m.script); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.description, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, FormatTime(time.Now()), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}
