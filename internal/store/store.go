// Package store provides the durable SQLite layer: sessions, prompts,
// audit mirror, workspace trust, and the atomic decision guard that
// gates every injection.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrStateCorruption marks database failures that indicate a damaged
// store rather than a transient problem. Callers map it to exit code 8.
var ErrStateCorruption = errors.New("state corruption")

// timeLayout is the fixed-width UTC timestamp used in every column.
// Fixed width keeps SQL string comparison (expires_at > :now)
// chronologically correct.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders a timestamp in the store's canonical form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a store timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Store wraps the SQLite connection and its repositories.
type Store struct {
	db *sql.DB

	Sessions *SessionRepo
	Prompts  *PromptRepo
	Trust    *TrustRepo
	Audit    *AuditRepo
}

// Open opens (creating if needed) the SQLite database at path, applies
// PRAGMAs and pending migrations, and tightens file permissions to
// owner-only. Failures on a pre-existing non-empty file are reported as
// ErrStateCorruption.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	preexisting := false
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		preexisting = true
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single connection: the supervisor's writes are serialized and
	// WAL readers do not need a pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		if preexisting {
			return nil, fmt.Errorf("%w: open %s: %v", ErrStateCorruption, path, err)
		}
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		if preexisting {
			return nil, fmt.Errorf("%w: migrate %s: %v", ErrStateCorruption, path, err)
		}
		return nil, err
	}

	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("chmod database: %w", err)
	}

	s := &Store{db: db}
	s.Sessions = &SessionRepo{db: db}
	s.Prompts = &PromptRepo{db: db}
	s.Trust = &TrustRepo{db: db}
	s.Audit = &AuditRepo{db: db}
	return s, nil
}

// DB exposes the raw connection for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
