// Package prompt owns the lifecycle of a detected prompt: persistence,
// policy routing, operator delivery, TTL expiry, and handing decided
// values to the injector.
package prompt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/channel"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/detect"
	"github.com/nextlevelbuilder/aegis/internal/policy"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

// ErrPromptLive is returned when a prompt is created while another is
// still awaiting its decision. One prompt is live per session at a time.
var ErrPromptLive = errors.New("another prompt is already live")

// Injection is a decided value on its way to the child's stdin.
type Injection struct {
	PromptID string
	Kind     string
	Value    string
	Decider  string
	Auto     bool
	TimedOut bool
}

// Manager drives prompts from detection to decision.
type Manager struct {
	st        *store.Store
	aud       *audit.Log
	ch        channel.Channel
	pol       *policy.Engine
	cfg       *config.Config
	sessionID string
	tool      string
	cwd       string

	injections chan Injection

	mu   sync.Mutex
	live *store.PromptRecord
}

// New wires a Manager for one session.
func New(st *store.Store, aud *audit.Log, ch channel.Channel, pol *policy.Engine,
	cfg *config.Config, sessionID, tool, cwd string) *Manager {
	return &Manager{
		st:         st,
		aud:        aud,
		ch:         ch,
		pol:        pol,
		cfg:        cfg,
		sessionID:  sessionID,
		tool:       tool,
		cwd:        cwd,
		injections: make(chan Injection, 4),
	}
}

// Injections is the stream of decided values for the injector.
func (m *Manager) Injections() <-chan Injection { return m.injections }

// HasLive reports whether a prompt is currently awaiting a decision.
func (m *Manager) HasLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live != nil
}

// Handle turns one detection result into a prompt. Policy may resolve
// it immediately; otherwise it is persisted, delivered to the operator,
// and a TTL watcher is armed.
func (m *Manager) Handle(ctx context.Context, res detect.Result) error {
	now := time.Now()
	rec := &store.PromptRecord{
		ID:              audit.NewID(),
		SessionID:       m.sessionID,
		InputType:       res.Kind,
		Excerpt:         res.Excerpt,
		Choices:         res.Choices,
		Confidence:      res.Confidence,
		SafeDefault:     policy.SafeDefault(res.Kind),
		Nonce:           audit.NewID(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.cfg.PromptTimeout()),
		DetectionMethod: res.Method,
	}

	// Claim the live slot in the same critical section as the check,
	// so concurrent detections (reader and watchdog) cannot both pass.
	// Released via Finish, or rolled back below on the paths that never
	// await an operator.
	m.mu.Lock()
	if m.live != nil {
		m.mu.Unlock()
		return ErrPromptLive
	}
	m.live = rec
	m.mu.Unlock()

	decision := m.pol.Route(res, m.cwd)
	if decision.Action == policy.ActionAutoInject {
		// The slot stays claimed until the injector calls Finish, so
		// the same buffered text cannot re-trigger in the meantime.
		rec.Status = store.PromptResponseReceived
		if err := m.st.Prompts.Create(rec); err != nil {
			m.Finish(rec.ID)
			return err
		}
		m.auditPromptCreated(rec, map[string]any{"policy": decision.Reason})
		if err := m.st.Sessions.IncrementPromptCount(m.sessionID); err != nil {
			slog.Warn("prompt count update failed", "error", err)
		}
		m.push(Injection{
			PromptID: rec.ID,
			Kind:     rec.InputType,
			Value:    decision.InjectValue,
			Decider:  "policy",
			Auto:     true,
		})
		return nil
	}

	if err := m.st.Prompts.Create(rec); err != nil {
		m.Finish(rec.ID)
		return err
	}
	m.auditPromptCreated(rec, nil)
	if err := m.st.Sessions.IncrementPromptCount(m.sessionID); err != nil {
		slog.Warn("prompt count update failed", "error", err)
	}

	ref, err := m.ch.SendPrompt(ctx, m.toChannelPrompt(rec))
	if err != nil {
		// Undeliverable prompts expire on schedule; the TTL watcher
		// still injects the safe default.
		slog.Error("prompt delivery failed", "prompt", rec.ID, "error", err)
	} else {
		if err := m.st.Prompts.SetChannelRef(rec.ID, ref); err != nil {
			slog.Warn("channel ref not persisted", "prompt", rec.ID, "error", err)
		}
		if err := m.st.Prompts.SetStatus(rec.ID, store.PromptTelegramSent); err != nil {
			return err
		}
		if err := m.st.Prompts.SetStatus(rec.ID, store.PromptAwaitingResponse); err != nil {
			return err
		}
	}

	go m.watchExpiry(ctx, rec)
	return nil
}

// Resume re-delivers a prompt that survived a crash. The record keeps
// its original nonce and deadline, so earlier Telegram buttons remain
// valid.
func (m *Manager) Resume(ctx context.Context, rec *store.PromptRecord) error {
	m.mu.Lock()
	if m.live != nil {
		m.mu.Unlock()
		return ErrPromptLive
	}
	m.live = rec
	m.mu.Unlock()

	ref, err := m.ch.SendPrompt(ctx, m.toChannelPrompt(rec))
	if err != nil {
		slog.Error("prompt re-delivery failed", "prompt", rec.ID, "error", err)
	} else {
		if err := m.st.Prompts.SetChannelRef(rec.ID, ref); err != nil {
			slog.Warn("channel ref not persisted", "prompt", rec.ID, "error", err)
		}
		if err := m.st.Prompts.SetStatus(rec.ID, store.PromptAwaitingResponse); err != nil {
			return err
		}
	}
	go m.watchExpiry(ctx, rec)
	return nil
}

// HandleReply runs one operator reply through the decision guard.
func (m *Manager) HandleReply(ctx context.Context, r channel.Reply) error {
	rec, err := m.st.Prompts.Get(r.PromptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			m.rejectReply(ctx, r, "unknown prompt")
			return nil
		}
		return fmt.Errorf("load prompt %s: %w", r.PromptID, err)
	}

	value := normalizeValue(rec.InputType, r.Value, m.cfg.Prompts.FreeTextMaxChars)

	rows, err := m.st.Prompts.Decide(rec.ID, r.Nonce, r.Decider, value, time.Now())
	if err != nil {
		return fmt.Errorf("decide prompt %s: %w", rec.ID, err)
	}
	if rows == 0 {
		m.rejectReply(ctx, r, "expired or already decided")
		return nil
	}

	if err := m.ch.AckReply(ctx, r, true, ""); err != nil {
		slog.Debug("reply ack failed", "prompt", rec.ID, "error", err)
	}
	if err := m.ch.MarkDecided(ctx, rec.ID, value, r.Decider); err != nil {
		slog.Debug("decided edit failed", "prompt", rec.ID, "error", err)
	}

	if policy.IsTrustPrompt(detect.Result{Excerpt: rec.Excerpt}) {
		if err := policy.RecordTrustAnswer(m.st.Trust, m.cwd, value, r.Decider); err != nil {
			slog.Warn("trust store update failed", "cwd", m.cwd, "error", err)
		} else {
			m.auditTrustAnswer(rec, value, r.Decider)
		}
	}

	m.push(Injection{
		PromptID: rec.ID,
		Kind:     rec.InputType,
		Value:    value,
		Decider:  r.Decider,
	})
	return nil
}

// Finish clears the live slot after the injector completed (or failed)
// a prompt.
func (m *Manager) Finish(promptID string) {
	m.mu.Lock()
	if m.live != nil && m.live.ID == promptID {
		m.live = nil
	}
	m.mu.Unlock()
}

// LiveID returns the id of the live prompt, or empty.
func (m *Manager) LiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return ""
	}
	return m.live.ID
}

// watchExpiry arms the TTL timer. Expire and Decide race on the same
// guarded row; whichever wins consumes the nonce.
func (m *Manager) watchExpiry(ctx context.Context, rec *store.PromptRecord) {
	wait := time.Until(rec.ExpiresAt) + 100*time.Millisecond
	if wait < 0 {
		wait = 0
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	rows, err := m.st.Prompts.Expire(rec.ID, time.Now())
	if err != nil {
		slog.Error("prompt expiry failed", "prompt", rec.ID, "error", err)
		return
	}
	if rows == 0 {
		// Decided before the deadline.
		return
	}

	slog.Info("prompt timed out, injecting safe default",
		"prompt", rec.ID, "kind", rec.InputType, "default", rec.SafeDefault)
	if err := m.ch.SendTimeoutNotice(ctx, m.toChannelPrompt(rec), rec.SafeDefault); err != nil {
		slog.Debug("timeout notice failed", "prompt", rec.ID, "error", err)
	}
	m.push(Injection{
		PromptID: rec.ID,
		Kind:     rec.InputType,
		Value:    rec.SafeDefault,
		Decider:  "timeout",
		Auto:     true,
		TimedOut: true,
	})
}

func (m *Manager) rejectReply(ctx context.Context, r channel.Reply, note string) {
	slog.Warn("reply refused", "prompt", r.PromptID, "decider", r.Decider, "reason", note)
	if err := m.ch.AckReply(ctx, r, false, note); err != nil {
		slog.Debug("reject ack failed", "error", err)
	}
	if _, err := m.aud.Append(audit.EventStaleReply, m.sessionID, r.PromptID, map[string]any{
		"decider": r.Decider,
		"reason":  note,
	}); err != nil {
		slog.Error("audit append failed", "event", audit.EventStaleReply, "error", err)
	}
}

func (m *Manager) push(inj Injection) {
	select {
	case m.injections <- inj:
	default:
		slog.Error("injection queue full, dropping", "prompt", inj.PromptID)
	}
}

func (m *Manager) toChannelPrompt(rec *store.PromptRecord) channel.Prompt {
	return channel.Prompt{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Tool:      m.tool,
		Kind:      rec.InputType,
		Excerpt:   rec.Excerpt,
		Choices:   rec.Choices,
		Nonce:     rec.Nonce,
		ExpiresAt: rec.ExpiresAt,
	}
}

func (m *Manager) auditPromptCreated(rec *store.PromptRecord, extra map[string]any) {
	data := map[string]any{
		"input_type": rec.InputType,
		"confidence": rec.Confidence,
		"method":     rec.DetectionMethod,
	}
	for k, v := range extra {
		data[k] = v
	}
	if _, err := m.aud.Append(audit.EventPromptCreated, rec.SessionID, rec.ID, data); err != nil {
		slog.Error("audit append failed", "event", audit.EventPromptCreated, "error", err)
	}
}

func (m *Manager) auditTrustAnswer(rec *store.PromptRecord, value, decider string) {
	event := audit.EventWorkspaceTrustRevoked
	if strings.HasPrefix(strings.ToLower(value), "y") || value == "1" {
		event = audit.EventWorkspaceTrustGranted
	}
	if _, err := m.aud.Append(event, rec.SessionID, rec.ID, map[string]any{
		"workspace": m.cwd,
		"decider":   decider,
	}); err != nil {
		slog.Error("audit append failed", "event", event, "error", err)
	}
}

// normalizeValue canonicalizes an operator reply for its prompt kind
// before it reaches the guard and the injector.
func normalizeValue(kind, value string, maxFreeText int) string {
	switch kind {
	case store.InputYesNo:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "y", "yes":
			return "y"
		default:
			return "n"
		}
	case store.InputConfirmEnter:
		return "\n"
	case store.InputMultipleChoice:
		return strings.TrimSpace(value)
	case store.InputFreeText:
		if maxFreeText > 0 && len(value) > maxFreeText {
			return value[:maxFreeText]
		}
		return value
	default:
		return strings.TrimSpace(value)
	}
}
