// Package supervisor runs the child tool inside a PTY, mirrors its
// terminal to the local user, watches the output stream for prompts,
// and injects decided values into the child's stdin.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/detect"
	"github.com/nextlevelbuilder/aegis/internal/prompt"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

const (
	readChunk     = 1024
	watchdogTick  = 250 * time.Millisecond
	stallTailSize = 512
	waitDelay     = 5 * time.Second
	relayPause    = 50 * time.Millisecond
)

// errChildExited signals normal loop teardown after the PTY closed.
var errChildExited = errors.New("child exited")

// promptSink is the slice of the prompt manager the supervisor drives.
type promptSink interface {
	Handle(ctx context.Context, res detect.Result) error
	Injections() <-chan prompt.Injection
	HasLive() bool
	LiveID() string
	Finish(promptID string)
}

// Supervisor owns one supervised child process.
type Supervisor struct {
	cfg       *config.Config
	st        *store.Store
	aud       *audit.Log
	detector  *detect.Detector
	mgr       promptSink
	sessionID string

	stdin  *os.File
	stdout io.Writer

	// Notify, when set, surfaces supervisor-side failures to the
	// operator channel. Best-effort.
	Notify func(text string)

	buf        *rollingBuffer
	lastOutput atomic.Int64 // unix nanos of the last PTY read
}

// New builds a Supervisor attached to the process's own terminal.
func New(cfg *config.Config, st *store.Store, aud *audit.Log, detector *detect.Detector,
	mgr promptSink, sessionID string) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		st:        st,
		aud:       aud,
		detector:  detector,
		mgr:       mgr,
		sessionID: sessionID,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		buf:       newRollingBuffer(),
	}
}

// Run spawns the tool inside a PTY and blocks until it exits. The
// returned exit code is the child's own; err is non-nil only for
// supervisor failures, not child failures.
func (s *Supervisor) Run(ctx context.Context, tool string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	ptmx, err := pty.StartWithSize(cmd, s.initialWinsize())
	if err != nil {
		return 0, fmt.Errorf("start %s in pty: %w", tool, err)
	}
	defer ptmx.Close()

	slog.Info("child started", "tool", tool, "pid", cmd.Process.Pid)
	if err := s.st.Sessions.SetPID(s.sessionID, cmd.Process.Pid); err != nil {
		slog.Warn("session pid not persisted", "error", err)
	}

	// Raw mode so the child's interactive UI passes through untouched.
	var restore func()
	if term.IsTerminal(int(s.stdin.Fd())) {
		oldState, err := term.MakeRaw(int(s.stdin.Fd()))
		if err != nil {
			return 0, fmt.Errorf("set raw mode: %w", err)
		}
		restore = func() {
			if err := term.Restore(int(s.stdin.Fd()), oldState); err != nil {
				slog.Error("terminal restore failed", "error", err)
			}
		}
		defer restore()
	}

	s.forwardResize(ctx, ptmx)

	inj := newInjector(ptmx, s.st, s.aud, s.sessionID, s.buf)
	s.lastOutput.Store(time.Now().UnixNano())

	g, loopCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.readLoop(loopCtx, ptmx, inj)
		// Reader EOF means the child is gone; unwind the other loops.
		return errChildExited
	})
	g.Go(func() error {
		s.watchdog(loopCtx, inj)
		return nil
	})
	g.Go(func() error {
		s.consumeInjections(loopCtx, inj)
		return nil
	})
	// Stdin reads block without cancellation; the relay is detached and
	// dies with the process.
	go s.relayStdin(loopCtx, ptmx, inj)

	if err := g.Wait(); err != nil && !errors.Is(err, errChildExited) {
		slog.Error("supervision loop failed", "error", err)
	}

	waitErr := cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return code, fmt.Errorf("wait for %s: %w", tool, waitErr)
		}
	}
	slog.Info("child exited", "tool", tool, "code", code)
	return code, nil
}

// readLoop mirrors PTY output to the local terminal, feeds the rolling
// buffer, and runs detection after each chunk. Returns when the PTY
// master reaches EOF (child exit closes the slave).
func (s *Supervisor) readLoop(ctx context.Context, ptmx *os.File, inj *injector) {
	chunk := make([]byte, readChunk)
	for {
		n, err := ptmx.Read(chunk)
		if n > 0 {
			if _, werr := s.stdout.Write(chunk[:n]); werr != nil {
				slog.Error("terminal mirror failed", "error", werr)
			}
			s.buf.Write(chunk[:n])
			s.lastOutput.Store(time.Now().UnixNano())
			s.tryDetect(ctx, inj)
		}
		if err != nil {
			// Linux returns EIO from the master once the child exits.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				slog.Debug("pty read ended", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// tryDetect classifies the buffer unless a prompt is already in flight.
func (s *Supervisor) tryDetect(ctx context.Context, inj *injector) {
	if s.mgr.HasLive() || inj.Injecting() {
		return
	}
	res := s.detector.Detect(s.buf.String())
	if !res.Detected {
		return
	}
	if err := s.mgr.Handle(ctx, res); err != nil && !errors.Is(err, prompt.ErrPromptLive) {
		slog.Error("prompt handling failed", "error", err)
	}
}

// relayStdin forwards local keystrokes to the child. While an
// injection is being written it suspends without reading, so no
// keystroke is consumed and lost and the byte streams cannot
// interleave.
func (s *Supervisor) relayStdin(ctx context.Context, ptmx *os.File, inj *injector) {
	chunk := make([]byte, readChunk)
	for {
		if ctx.Err() != nil {
			return
		}
		if inj.Injecting() {
			time.Sleep(relayPause)
			continue
		}
		n, err := s.stdin.Read(chunk)
		if err != nil {
			return
		}
		if _, err := ptmx.Write(chunk[:n]); err != nil {
			return
		}
	}
}

// watchdog runs the stall heuristic: when the child has been silent
// past the configured threshold and the tail of the buffer does not
// already look like a recognizable prompt, ask the detector for a
// low-confidence unknown classification.
func (s *Supervisor) watchdog(ctx context.Context, inj *injector) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.mgr.HasLive() || inj.Injecting() || s.buf.Len() == 0 {
			continue
		}
		silence := time.Since(time.Unix(0, s.lastOutput.Load()))
		if silence < s.cfg.StuckTimeout() {
			continue
		}

		var res detect.Result
		if detect.MatchesAnyPattern(s.buf.Tail(stallTailSize)) {
			res = s.detector.Detect(s.buf.String())
		} else {
			res = s.detector.DetectStall(s.buf.String())
		}
		// Re-arm regardless of outcome so one stretch of silence fires
		// at most once.
		s.lastOutput.Store(time.Now().UnixNano())
		if !res.Detected {
			continue
		}
		if err := s.mgr.Handle(ctx, res); err != nil && !errors.Is(err, prompt.ErrPromptLive) {
			slog.Error("stall prompt handling failed", "error", err)
		}
	}
}

// consumeInjections drains decided values into the PTY.
func (s *Supervisor) consumeInjections(ctx context.Context, inj *injector) {
	for {
		select {
		case <-ctx.Done():
			return
		case decided := <-s.mgr.Injections():
			// Policy auto-injections never register as live; anything
			// else must match the prompt currently being awaited.
			if live := s.mgr.LiveID(); live != "" && live != decided.PromptID {
				slog.Warn("stale injection dropped", "prompt", decided.PromptID, "live", live)
				continue
			}
			if err := inj.Inject(decided); err != nil {
				slog.Error("injection failed", "prompt", decided.PromptID, "error", err)
				if s.Notify != nil {
					s.Notify(fmt.Sprintf("⚠️ Could not deliver your answer to the tool: %s", err))
				}
			}
			s.mgr.Finish(decided.PromptID)
		}
	}
}

// forwardResize propagates SIGWINCH so the child sees the real window
// size.
func (s *Supervisor) forwardResize(ctx context.Context, ptmx *os.File) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := pty.InheritSize(s.stdin, ptmx); err != nil {
					slog.Debug("pty resize failed", "error", err)
				}
			}
		}
	}()
}

func (s *Supervisor) initialWinsize() *pty.Winsize {
	if term.IsTerminal(int(s.stdin.Fd())) {
		if w, h, err := term.GetSize(int(s.stdin.Fd())); err == nil {
			return &pty.Winsize{Rows: uint16(h), Cols: uint16(w)}
		}
	}
	return &pty.Winsize{Rows: 24, Cols: 80}
}
