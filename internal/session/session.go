// Package session orchestrates one supervised run: storage, audit,
// operator channel, detection, policy, the prompt manager, and the PTY
// supervisor, plus crash recovery from earlier runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/channel"
	"github.com/nextlevelbuilder/aegis/internal/channel/telegram"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/detect"
	"github.com/nextlevelbuilder/aegis/internal/policy"
	"github.com/nextlevelbuilder/aegis/internal/prompt"
	"github.com/nextlevelbuilder/aegis/internal/store"
	"github.com/nextlevelbuilder/aegis/internal/supervisor"
)

// Process exit codes. The run command passes the child's own code
// through; these cover supervisor-side outcomes.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitConfig          = 2
	ExitEnvironment     = 3
	ExitNetwork         = 4
	ExitPermission      = 5
	ExitSecurity        = 6
	ExitDependency      = 7
	ExitStateCorruption = 8

	// ExitInterrupted follows the shell convention 128+SIGINT.
	ExitInterrupted = 130
)

// Orchestrator wires and runs one supervised session.
type Orchestrator struct {
	cfg *config.Config

	// NewChannel builds the operator transport. Overridable in tests.
	NewChannel func(cfg *config.Config, security telegram.SecurityLogger) (channel.Channel, error)
}

// New returns an Orchestrator using the Telegram transport.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		cfg: cfg,
		NewChannel: func(cfg *config.Config, security telegram.SecurityLogger) (channel.Channel, error) {
			return telegram.New(cfg.Telegram, cfg.Prompts.FreeTextMaxChars, security)
		},
	}
}

// Run supervises one invocation of tool and returns the process exit
// code.
func (o *Orchestrator) Run(ctx context.Context, tool string, args []string) int {
	if o.cfg.Telegram.BotToken == "" || len(o.cfg.Telegram.AllowedUsers) == 0 {
		slog.Error("telegram bot token and allowed users must be configured")
		return ExitConfig
	}

	if err := config.EnsureDataDir(); err != nil {
		slog.Error("data directory unavailable", "error", err)
		return ExitPermission
	}

	st, err := store.Open(o.cfg.DatabasePath())
	if err != nil {
		if errors.Is(err, store.ErrStateCorruption) {
			slog.Error("database corrupt", "error", err)
			return ExitStateCorruption
		}
		slog.Error("database open failed", "error", err)
		return ExitEnvironment
	}
	defer st.Close()

	aud, err := audit.Open(config.AuditLogPath())
	if err != nil {
		slog.Error("audit log open failed", "error", err)
		return ExitPermission
	}
	defer aud.Close()

	resumable := o.recoverPriorRuns(st, aud)

	cwd, err := os.Getwd()
	if err != nil {
		slog.Error("working directory unavailable", "error", err)
		return ExitEnvironment
	}

	sessionID := audit.NewID()
	if err := st.Sessions.Create(&store.Session{
		ID: sessionID, Tool: tool, CWD: cwd, StartedAt: time.Now(),
	}); err != nil {
		slog.Error("session record failed", "error", err)
		return ExitError
	}
	appendAudit(aud, audit.EventSessionStarted, sessionID, "", map[string]any{
		"tool": tool,
		"cwd":  cwd,
	})

	ch, err := o.NewChannel(o.cfg, securityAuditor{aud, sessionID})
	if err != nil {
		slog.Error("operator channel unavailable", "error", err)
		return ExitNetwork
	}
	defer ch.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Mirror chain entries into the queryable audit_events table; a
	// write failure on the chain itself aborts the session, since
	// undecidable auditability is worse than a dead child.
	aud.SetMirror(func(e *audit.Event) {
		if err := st.Audit.Insert(e); err != nil {
			slog.Warn("audit event not mirrored to store", "event", e.EventType, "error", err)
		}
	})
	aud.SetOnError(func(err error) {
		slog.Error("audit log unwritable, aborting session", "error", err)
		cancel()
	})

	if err := ch.Start(runCtx); err != nil {
		slog.Error("operator channel start failed", "error", err)
		return ExitNetwork
	}

	pidPath := config.PIDFilePath()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		slog.Warn("pid file not written", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	detector := detect.New(o.cfg.ThresholdFor(tool))
	pol := policy.New(o.cfg.Prompts.FreeTextEnabled, st.Trust)
	mgr := prompt.New(st, aud, ch, pol, o.cfg, sessionID, tool, cwd)
	sup := supervisor.New(o.cfg, st, aud, detector, mgr, sessionID)
	sup.Notify = func(text string) {
		if err := ch.SendMessage(runCtx, text); err != nil {
			slog.Debug("failure notice not delivered", "error", err)
		}
	}

	go pumpReplies(runCtx, ch, mgr)

	if err := ch.SendMessage(runCtx, fmt.Sprintf("🚀 Supervising %s in %s", tool, cwd)); err != nil {
		slog.Warn("start notice not delivered", "error", err)
	}

	if resumable != nil {
		slog.Info("resuming prompt from previous run", "prompt", resumable.ID)
		if err := mgr.Resume(runCtx, resumable); err != nil {
			slog.Warn("prompt resume failed", "prompt", resumable.ID, "error", err)
		}
	}

	interrupted := o.trapSignals(runCtx, cancel)

	code, runErr := sup.Run(runCtx, tool, args)

	status := store.SessionCompleted
	abortStatus := store.PromptAbortedShutdown
	if runErr != nil {
		status = store.SessionCrashed
		abortStatus = store.PromptAbortedCrash
		slog.Error("supervision failed", "error", runErr)
	}
	if interrupted.Load() {
		status = store.SessionTerminated
	}

	if n, err := st.Prompts.AbortActive(sessionID, abortStatus); err != nil {
		slog.Warn("prompt cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("aborted live prompts", "count", n, "status", abortStatus)
	}

	if err := st.Sessions.End(sessionID, status, &code); err != nil {
		slog.Warn("session end not persisted", "error", err)
	}
	appendAudit(aud, audit.EventSessionEnded, sessionID, "", map[string]any{
		"status":    status,
		"exit_code": code,
	})
	if err := ch.SendMessage(context.Background(), fmt.Sprintf(
		"🏁 %s finished (%s, exit %d)", tool, status, code)); err != nil {
		slog.Warn("end notice not delivered", "error", err)
	}

	if runErr != nil {
		return ExitError
	}
	if interrupted.Load() {
		return ExitInterrupted
	}
	return code
}

// recoverPriorRuns marks sessions left active by a crash and returns
// the newest still-live prompt, which the new run re-delivers with its
// original nonce and deadline.
func (o *Orchestrator) recoverPriorRuns(st *store.Store, aud *audit.Log) *store.PromptRecord {
	stale, err := st.Sessions.ListActive()
	if err != nil {
		slog.Warn("crash scan failed", "error", err)
		return nil
	}
	if len(stale) == 0 {
		return nil
	}

	live, err := st.Prompts.Live(time.Now())
	if err != nil {
		slog.Warn("live prompt scan failed", "error", err)
	}
	var resume *store.PromptRecord
	if len(live) > 0 {
		resume = live[len(live)-1]
	}

	for _, s := range stale {
		slog.Warn("previous run did not shut down cleanly", "session", s.ID, "started", s.StartedAt)
		keep := ""
		if resume != nil && resume.SessionID == s.ID {
			keep = resume.ID
		}
		if _, err := st.Prompts.AbortActiveExcept(s.ID, store.PromptAbortedCrash, keep); err != nil {
			slog.Warn("stale prompt cleanup failed", "session", s.ID, "error", err)
		}
		if err := st.Sessions.End(s.ID, store.SessionCrashed, nil); err != nil {
			slog.Warn("stale session cleanup failed", "session", s.ID, "error", err)
		}
		appendAudit(aud, audit.EventSessionEnded, s.ID, "", map[string]any{
			"status": store.SessionCrashed,
			"reason": "recovered on startup",
		})
	}
	return resume
}

// trapSignals cancels the run context on SIGINT/SIGTERM and reports
// whether an interrupt arrived.
func (o *Orchestrator) trapSignals(ctx context.Context, cancel context.CancelFunc) *atomic.Bool {
	interrupted := new(atomic.Bool)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-ctx.Done():
		case sig := <-sigs:
			slog.Info("shutdown signal received", "signal", sig)
			if sig == syscall.SIGINT {
				interrupted.Store(true)
			}
			cancel()
		}
	}()
	return interrupted
}

// pumpReplies feeds operator replies from the channel into the manager.
func pumpReplies(ctx context.Context, ch channel.Channel, mgr *prompt.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch.Replies():
			if !ok {
				return
			}
			if err := mgr.HandleReply(ctx, r); err != nil {
				slog.Error("reply handling failed", "prompt", r.PromptID, "error", err)
			}
		}
	}
}

// securityAuditor records channel-boundary security events.
type securityAuditor struct {
	aud       *audit.Log
	sessionID string
}

func (s securityAuditor) UnauthorizedReply(decider, payload string) {
	const payloadCap = 128
	if len(payload) > payloadCap {
		payload = payload[:payloadCap]
	}
	appendAudit(s.aud, audit.EventUnauthorizedReply, s.sessionID, "", map[string]any{
		"decider": decider,
		"payload": payload,
	})
}

func appendAudit(aud *audit.Log, event, sessionID, promptID string, data map[string]any) {
	if _, err := aud.Append(event, sessionID, promptID, data); err != nil {
		slog.Error("audit append failed", "event", event, "error", err)
	}
}
