package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Prompt statuses persisted in the database. In-memory lifecycle states
// (injecting, resolved) live in the prompt manager.
const (
	PromptPending          = "pending"
	PromptTelegramSent     = "telegram_sent"
	PromptAwaitingResponse = "awaiting_response"
	PromptResponseReceived = "response_received"
	PromptExpired          = "expired"
	PromptPolicyDenied     = "policy_denied"
	PromptInjected         = "injected"
	PromptAutoInjected     = "auto_injected"
	PromptAbortedCrash     = "aborted_crash"
	PromptAbortedShutdown  = "aborted_shutdown"
)

// Input kinds a detected prompt can have.
const (
	InputYesNo          = "yes_no"
	InputConfirmEnter   = "confirm_enter"
	InputMultipleChoice = "multiple_choice"
	InputFreeText       = "free_text"
	InputUnknown        = "unknown"
)

// Detection methods.
const (
	MethodPattern    = "pattern"
	MethodStructured = "structured"
	MethodStall      = "stall-heuristic"
)

// PromptRecord is one detected prompt awaiting resolution.
type PromptRecord struct {
	ID                 string
	SessionID          string
	InputType          string
	Excerpt            string
	Choices            []string
	Confidence         float64
	Status             string
	SafeDefault        string
	ChannelMsgRef      *int64
	Nonce              string
	NonceUsed          bool
	CreatedAt          time.Time
	ExpiresAt          time.Time
	DecidedAt          *time.Time
	DecidedBy          string
	ResponseNormalized string
	DetectionMethod    string
}

// PromptRepo persists prompts and hosts the atomic decision guard.
type PromptRepo struct {
	db *sql.DB
}

// Create inserts a prompt in its initial status.
func (r *PromptRepo) Create(p *PromptRecord) error {
	choicesJSON, err := json.Marshal(p.Choices)
	if err != nil {
		return fmt.Errorf("encode choices: %w", err)
	}
	if p.Status == "" {
		p.Status = PromptPending
	}
	_, err = r.db.Exec(
		`INSERT INTO prompts
		   (id, session_id, input_type, excerpt, choices_json, confidence, status,
		    safe_default, nonce, nonce_used, created_at, expires_at, detection_method)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		p.ID, p.SessionID, p.InputType, p.Excerpt, string(choicesJSON), p.Confidence,
		p.Status, p.SafeDefault, p.Nonce, FormatTime(p.CreatedAt), FormatTime(p.ExpiresAt),
		p.DetectionMethod,
	)
	if err != nil {
		return fmt.Errorf("create prompt: %w", err)
	}
	return nil
}

// Decide is the atomic decision guard: the single statement that gates
// every injection on liveness, nonce freshness, and expiry. A zero row
// count means the reply was stale, expired, already decided, or carried
// a forged nonce — the caller must refuse to inject.
func (r *PromptRepo) Decide(promptID, submittedNonce, decider, value string, now time.Time) (int64, error) {
	res, err := r.db.Exec(
		`UPDATE prompts
		    SET status = ?,
		        decided_at = ?,
		        decided_by = ?,
		        response_normalized = ?,
		        nonce_used = 1
		  WHERE id = ?
		    AND status IN ('awaiting_response','telegram_sent')
		    AND nonce = ?
		    AND nonce_used = 0
		    AND expires_at > ?`,
		PromptResponseReceived, FormatTime(now), decider, value,
		promptID, submittedNonce, FormatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("decision guard: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("decision guard rows: %w", err)
	}
	return rows, nil
}

// Expire atomically moves a still-live prompt to expired, consuming its
// nonce. Racing with Decide is safe: whichever statement runs first
// wins and the other observes zero rows.
func (r *PromptRepo) Expire(promptID string, now time.Time) (int64, error) {
	res, err := r.db.Exec(
		`UPDATE prompts
		    SET status = ?, decided_at = ?, nonce_used = 1
		  WHERE id = ?
		    AND status IN ('pending','telegram_sent','awaiting_response')
		    AND nonce_used = 0`,
		PromptExpired, FormatTime(now), promptID,
	)
	if err != nil {
		return 0, fmt.Errorf("expire prompt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire prompt rows: %w", err)
	}
	return rows, nil
}

// SetStatus performs a plain status transition (pending → telegram_sent
// → awaiting_response). Decision-bearing transitions must go through
// Decide or Expire.
func (r *PromptRepo) SetStatus(promptID, status string) error {
	_, err := r.db.Exec(`UPDATE prompts SET status = ? WHERE id = ?`, status, promptID)
	if err != nil {
		return fmt.Errorf("set prompt status: %w", err)
	}
	return nil
}

// SetChannelRef stores the transport message reference for later edits.
func (r *PromptRepo) SetChannelRef(promptID string, ref int64) error {
	_, err := r.db.Exec(`UPDATE prompts SET channel_msg_ref = ? WHERE id = ?`, ref, promptID)
	if err != nil {
		return fmt.Errorf("set channel ref: %w", err)
	}
	return nil
}

// MarkInjected finalizes a prompt after the injector wrote its bytes.
// status must be PromptInjected or PromptAutoInjected.
func (r *PromptRepo) MarkInjected(promptID, status, value string, now time.Time) error {
	_, err := r.db.Exec(
		`UPDATE prompts SET status = ?, response_normalized = ?, decided_at = COALESCE(decided_at, ?) WHERE id = ?`,
		status, value, FormatTime(now), promptID,
	)
	if err != nil {
		return fmt.Errorf("mark injected: %w", err)
	}
	return nil
}

// AbortActive marks every still-live prompt of a session with the given
// terminal status. Used on shutdown and crash cleanup.
func (r *PromptRepo) AbortActive(sessionID, status string) (int64, error) {
	res, err := r.db.Exec(
		`UPDATE prompts SET status = ?
		  WHERE session_id = ?
		    AND status IN ('pending','telegram_sent','awaiting_response','response_received')`,
		status, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("abort active prompts: %w", err)
	}
	return res.RowsAffected()
}

// AbortActiveExcept is AbortActive sparing one prompt, used by crash
// recovery to abort stale prompts while the newest live one is
// re-delivered.
func (r *PromptRepo) AbortActiveExcept(sessionID, status, keepID string) (int64, error) {
	res, err := r.db.Exec(
		`UPDATE prompts SET status = ?
		  WHERE session_id = ?
		    AND id != ?
		    AND status IN ('pending','telegram_sent','awaiting_response','response_received')`,
		status, sessionID, keepID,
	)
	if err != nil {
		return 0, fmt.Errorf("abort active prompts: %w", err)
	}
	return res.RowsAffected()
}

// Live returns non-terminal, unexpired prompts whose nonce is still
// fresh — the set a restarted supervisor must re-present to the
// operator.
func (r *PromptRepo) Live(now time.Time) ([]*PromptRecord, error) {
	rows, err := r.db.Query(selectPrompt+
		` WHERE status IN ('pending','telegram_sent','awaiting_response')
		    AND nonce_used = 0
		    AND expires_at > ?
		  ORDER BY created_at`, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list live prompts: %w", err)
	}
	defer rows.Close()
	return collectPrompts(rows)
}

// Get loads one prompt by id.
func (r *PromptRepo) Get(id string) (*PromptRecord, error) {
	row := r.db.QueryRow(selectPrompt+` WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// BySession returns all prompts of a session, oldest first.
func (r *PromptRepo) BySession(sessionID string) ([]*PromptRecord, error) {
	rows, err := r.db.Query(selectPrompt+` WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session prompts: %w", err)
	}
	defer rows.Close()
	return collectPrompts(rows)
}

const selectPrompt = `
SELECT id, session_id, input_type, excerpt, choices_json, confidence, status,
       safe_default, channel_msg_ref, nonce, nonce_used, created_at, expires_at,
       decided_at, decided_by, response_normalized, detection_method
  FROM prompts`

func collectPrompts(rows *sql.Rows) ([]*PromptRecord, error) {
	var prompts []*PromptRecord
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

func scanPrompt(row rowScanner) (*PromptRecord, error) {
	var (
		p           PromptRecord
		choicesJSON string
		nonceUsed   int
		msgRef      sql.NullInt64
		created     string
		expires     string
		decidedAt   sql.NullString
		decidedBy   sql.NullString
		response    sql.NullString
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.InputType, &p.Excerpt, &choicesJSON,
		&p.Confidence, &p.Status, &p.SafeDefault, &msgRef, &p.Nonce, &nonceUsed,
		&created, &expires, &decidedAt, &decidedBy, &response, &p.DetectionMethod)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan prompt: %w", err)
	}
	if err := json.Unmarshal([]byte(choicesJSON), &p.Choices); err != nil {
		return nil, fmt.Errorf("decode choices: %w", err)
	}
	p.NonceUsed = nonceUsed != 0
	if msgRef.Valid {
		p.ChannelMsgRef = &msgRef.Int64
	}
	if t, err := ParseTime(created); err == nil {
		p.CreatedAt = t
	}
	if t, err := ParseTime(expires); err == nil {
		p.ExpiresAt = t
	}
	if decidedAt.Valid {
		if t, err := ParseTime(decidedAt.String); err == nil {
			p.DecidedAt = &t
		}
	}
	p.DecidedBy = decidedBy.String
	p.ResponseNormalized = response.String
	return &p, nil
}
