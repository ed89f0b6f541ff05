package store

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/aegis/internal/audit"
)

// AuditRepo mirrors chain entries into the audit_events table so the
// status and logs commands can query them without re-parsing JSONL.
// The file remains the source of truth for chain verification.
type AuditRepo struct {
	db *sql.DB
}

// Insert stores one chained event.
func (r *AuditRepo) Insert(e *audit.Event) error {
	_, err := r.db.Exec(
		`INSERT INTO audit_events (id, event_type, ts, session_id, prompt_id, data_json, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.TS, derefOrNil(e.SessionID), derefOrNil(e.PromptID),
		e.DataJSON, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the n most recent events, oldest first.
func (r *AuditRepo) Recent(n int) ([]audit.Event, error) {
	rows, err := r.db.Query(
		`SELECT id, event_type, ts, session_id, prompt_id, data_json, prev_hash, hash
		   FROM audit_events ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e         audit.Event
			sessionID sql.NullString
			promptID  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.TS, &sessionID, &promptID, &e.DataJSON, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		if promptID.Valid {
			e.PromptID = &promptID.String
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first for display.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
