package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// GenesisHash is the prev_hash sentinel for the first chain entry.
const GenesisHash = "genesis"

// Event kinds. The chain format treats these as opaque strings; the
// constants exist so emitters and the verifier agree on spelling.
const (
	EventSessionStarted        = "session_started"
	EventSessionEnded          = "session_ended"
	EventPromptCreated         = "prompt_created"
	EventResponseInjected      = "response_injected"
	EventAutoInjected          = "auto_injected"
	EventInjectionFailed       = "injection_failed"
	EventUnauthorizedReply     = "unauthorized_reply"
	EventStaleReply            = "stale_reply"
	EventChainRecoveryWarning  = "chain_recovery_warning"
	EventWorkspaceTrustGranted = "workspace_trust_granted"
	EventWorkspaceTrustRevoked = "workspace_trust_revoked"

	// Reserved for future use; no code path emits these yet.
	EventPolicyDenied    = "policy_denied"
	EventAbortedCrash    = "aborted_crash"
	EventAbortedShutdown = "aborted_shutdown"
)

// Event is one entry in the hash chain. Field order here is the JSONL
// serialization order and must not change: the line format is part of
// the on-disk contract.
type Event struct {
	ID        string  `json:"id"`
	EventType string  `json:"event_type"`
	TS        string  `json:"ts"`
	SessionID *string `json:"session_id"`
	PromptID  *string `json:"prompt_id"`
	DataJSON  string  `json:"data_json"`
	PrevHash  string  `json:"prev_hash"`
	Hash      string  `json:"hash"`
}

// canonicalHashInput builds the exact byte sequence fed to SHA-256:
// a JSON object over every field except hash, keys sorted, minimal
// separators, no HTML escaping. encoding/json sorts map keys, which is
// what pins the order.
func canonicalHashInput(e *Event) ([]byte, error) {
	fields := map[string]any{
		"id":         e.ID,
		"event_type": e.EventType,
		"ts":         e.TS,
		"session_id": e.SessionID,
		"prompt_id":  e.PromptID,
		"data_json":  e.DataJSON,
		"prev_hash":  e.PrevHash,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeHash returns the lowercase hex SHA-256 of the event's
// canonical form. PrevHash must already be set.
func ComputeHash(e *Event) (string, error) {
	input, err := canonicalHashInput(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:]), nil
}

// marshalLine renders the event as one JSONL line, trailing newline
// included.
func marshalLine(e *Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeData JSON-encodes a free-form payload for the data_json field.
// A nil payload encodes as the empty object.
func EncodeData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("encode event data: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
