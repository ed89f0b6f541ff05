package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/prompt"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

// injector writes decided values into the child's stdin through the
// PTY master and finalizes the prompt record.
type injector struct {
	out       io.Writer
	st        *store.Store
	aud       *audit.Log
	sessionID string
	buf       *rollingBuffer
	active    atomic.Bool
}

func newInjector(out io.Writer, st *store.Store, aud *audit.Log, sessionID string, buf *rollingBuffer) *injector {
	return &injector{out: out, st: st, aud: aud, sessionID: sessionID, buf: buf}
}

// Injecting reports whether an injection is in flight. The stdin relay
// pauses while true so local keystrokes cannot interleave with the
// injected bytes.
func (i *injector) Injecting() bool { return i.active.Load() }

// wireBytes maps a normalized value to the exact byte sequence written
// to the PTY. Terminals in raw mode expect CR, not LF, for Enter.
func wireBytes(value string) []byte {
	switch value {
	case "", "\n":
		return []byte{'\r'}
	default:
		return append([]byte(value), '\r')
	}
}

// Inject writes one decision and finalizes its prompt record.
func (i *injector) Inject(inj prompt.Injection) error {
	i.active.Store(true)
	defer i.active.Store(false)

	data := wireBytes(inj.Value)
	if _, err := i.out.Write(data); err != nil {
		i.auditFailure(inj, err)
		return fmt.Errorf("inject prompt %s: %w", inj.PromptID, err)
	}

	status := store.PromptInjected
	event := audit.EventResponseInjected
	if inj.Auto {
		status = store.PromptAutoInjected
		event = audit.EventAutoInjected
	}
	if err := i.st.Prompts.MarkInjected(inj.PromptID, status, inj.Value, time.Now()); err != nil {
		slog.Error("injected prompt not finalized", "prompt", inj.PromptID, "error", err)
	}

	payload := map[string]any{
		"value_bytes": len(data),
		"decider":     inj.Decider,
	}
	if inj.TimedOut {
		payload["timed_out"] = true
	}
	if _, err := i.aud.Append(event, i.sessionID, inj.PromptID, payload); err != nil {
		slog.Error("audit append failed", "event", event, "error", err)
	}

	// Drop the prompt text so it cannot re-trigger detection.
	i.buf.Clear()
	return nil
}

func (i *injector) auditFailure(inj prompt.Injection, cause error) {
	if _, err := i.aud.Append(audit.EventInjectionFailed, i.sessionID, inj.PromptID, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		slog.Error("audit append failed", "event", audit.EventInjectionFailed, "error", err)
	}
}
