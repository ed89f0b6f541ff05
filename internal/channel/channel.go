// Package channel abstracts the bi-directional operator transport. The
// core sends prompts and notices through the Channel interface and
// consumes raw replies from a bounded queue; it never learns transport
// details beyond the opaque message reference.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Prompt is the transport-facing view of one pending decision.
type Prompt struct {
	ID        string
	SessionID string
	Tool      string
	Kind      string
	Excerpt   string
	Choices   []string
	Nonce     string
	ExpiresAt time.Time
}

// Reply is one raw operator response. The channel authenticates the
// sender and enforces length caps, but the decision guard — not the
// channel — decides whether the reply is honored.
type Reply struct {
	PromptID string
	Value    string
	Decider  string // channel-scoped identity, e.g. "telegram:12345"
	Nonce    string
	AckRef   string // opaque transport handle for the later accept/reject ack
}

// Channel is the operator transport consumed by the core.
type Channel interface {
	// Start begins background ingestion (long polling etc.).
	Start(ctx context.Context) error
	// SendPrompt presents a prompt and returns an opaque message
	// reference for later edits.
	SendPrompt(ctx context.Context, p Prompt) (int64, error)
	// SendMessage sends a plain informational message.
	SendMessage(ctx context.Context, text string) error
	// SendTimeoutNotice tells the operator a prompt expired and what
	// was injected instead.
	SendTimeoutNotice(ctx context.Context, p Prompt, injected string) error
	// AckReply acknowledges a previously delivered reply after the
	// decision guard ran. accepted=false means stale/expired/replayed.
	AckReply(ctx context.Context, r Reply, accepted bool, note string) error
	// MarkDecided edits the prompt's message to show the recorded
	// decision.
	MarkDecided(ctx context.Context, promptID, value, decider string) error
	// Replies is the bounded stream of incoming raw replies.
	Replies() <-chan Reply
	// Close stops ingestion and releases transport resources.
	Close() error
}

// CallbackPrefix tags every inline-button payload this product emits.
const CallbackPrefix = "aegis"

// ShortIDLen is how much of the prompt id rides inside callback data.
// Telegram caps callback payloads at 64 bytes; the full 128-bit nonce
// must fit, so the prompt id is abbreviated and resolved against the
// transport's live-prompt registry.
const ShortIDLen = 12

// ErrBadCallback marks malformed callback payloads.
var ErrBadCallback = errors.New("malformed callback data")

// EncodeCallback builds the inline-button payload
// "aegis:<prompt12>:<nonce>:<value>".
func EncodeCallback(promptID, nonce, value string) string {
	short := promptID
	if len(short) > ShortIDLen {
		short = short[:ShortIDLen]
	}
	return strings.Join([]string{CallbackPrefix, short, nonce, value}, ":")
}

// ParseCallback splits and validates a callback payload. It rejects
// payloads with fewer than four colon-separated segments or a wrong
// prefix.
func ParseCallback(data string) (shortID, nonce, value string, err error) {
	parts := strings.SplitN(data, ":", 4)
	if len(parts) < 4 {
		return "", "", "", fmt.Errorf("%w: %d segments", ErrBadCallback, len(parts))
	}
	if parts[0] != CallbackPrefix {
		return "", "", "", fmt.Errorf("%w: prefix %q", ErrBadCallback, parts[0])
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: empty id or nonce", ErrBadCallback)
	}
	return parts[1], parts[2], parts[3], nil
}
