package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Session statuses.
const (
	SessionActive     = "active"
	SessionCompleted  = "completed"
	SessionCrashed    = "crashed"
	SessionTerminated = "terminated"
)

// Session is one supervised invocation of a child process.
type Session struct {
	ID          string
	Tool        string
	CWD         string
	PID         int
	StartedAt   time.Time
	EndedAt     time.Time
	Status      string
	ExitCode    *int
	PromptCount int
}

// SessionRepo persists sessions.
type SessionRepo struct {
	db *sql.DB
}

// Create inserts a new active session.
func (r *SessionRepo) Create(s *Session) error {
	_, err := r.db.Exec(
		`INSERT INTO sessions (id, tool, cwd, pid, started_at, status, prompt_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		s.ID, s.Tool, s.CWD, nullInt(s.PID), FormatTime(s.StartedAt), SessionActive,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SetPID records the child's OS PID once the PTY has spawned it.
func (r *SessionRepo) SetPID(id string, pid int) error {
	_, err := r.db.Exec(`UPDATE sessions SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return fmt.Errorf("set session pid: %w", err)
	}
	return nil
}

// End marks a session terminal with its exit code. A nil exitCode
// records NULL (e.g. crash before wait).
func (r *SessionRepo) End(id, status string, exitCode *int) error {
	var code any
	if exitCode != nil {
		code = *exitCode
	}
	_, err := r.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ?, exit_code = ? WHERE id = ?`,
		status, FormatTime(time.Now()), code, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// IncrementPromptCount bumps the per-session prompt counter.
func (r *SessionRepo) IncrementPromptCount(id string) error {
	_, err := r.db.Exec(`UPDATE sessions SET prompt_count = prompt_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment prompt count: %w", err)
	}
	return nil
}

// Get loads one session by id.
func (r *SessionRepo) Get(id string) (*Session, error) {
	row := r.db.QueryRow(
		`SELECT id, tool, cwd, pid, started_at, ended_at, status, exit_code, prompt_count
		   FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListActive returns sessions still marked active, newest first.
func (r *SessionRepo) ListActive() ([]*Session, error) {
	rows, err := r.db.Query(
		`SELECT id, tool, cwd, pid, started_at, ended_at, status, exit_code, prompt_count
		   FROM sessions WHERE status = ? ORDER BY started_at DESC`, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s        Session
		pid      sql.NullInt64
		started  string
		ended    sql.NullString
		exitCode sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.Tool, &s.CWD, &pid, &started, &ended, &s.Status, &exitCode, &s.PromptCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if pid.Valid {
		s.PID = int(pid.Int64)
	}
	if t, err := ParseTime(started); err == nil {
		s.StartedAt = t
	}
	if ended.Valid {
		if t, err := ParseTime(ended.String); err == nil {
			s.EndedAt = t
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	return &s, nil
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
