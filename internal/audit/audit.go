package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tailScanBytes bounds how much of the file tail is read on Open to
// recover the chain head.
const tailScanBytes = 4096

// Log is the append-only, hash-chained audit log. Safe for concurrent
// use within one process; one line is written and flushed per Append.
type Log struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	head    string
	mirror  func(*Event)
	onError func(error)
}

// Open opens (creating if absent, mode 0600) the audit log at path and
// recovers the chain head from the last complete line. Partial trailing
// lines from a prior crash are tolerated; if the last complete line
// cannot be parsed the head resets to the genesis sentinel and a
// chain_recovery_warning entry is appended.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := &Log{f: f, path: path, head: GenesisHash}

	head, recoverable, err := recoverHead(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if head != "" {
		l.head = head
	}
	if !recoverable {
		slog.Warn("audit chain head unreadable, resetting to genesis", "path", path)
		if _, aerr := l.Append(EventChainRecoveryWarning, "", "", map[string]any{
			"reason": "last line unparsable, chain head reset to genesis",
		}); aerr != nil {
			f.Close()
			return nil, aerr
		}
	}
	return l, nil
}

// recoverHead scans up to tailScanBytes from the end of the file and
// returns the hash of the last complete entry. recoverable=false means
// the file has content but no complete line parsed.
func recoverHead(f *os.File) (head string, recoverable bool, err error) {
	info, err := f.Stat()
	if err != nil {
		return "", true, fmt.Errorf("stat audit log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return "", true, nil
	}

	offset := size - tailScanBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return "", true, fmt.Errorf("read audit log tail: %w", err)
	}

	// When the scan starts mid-file the first fragment is a partial
	// line; skip past it.
	if offset > 0 {
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			buf = buf[idx+1:]
		} else {
			return "", false, nil
		}
	}

	lines := bytes.Split(buf, []byte("\n"))
	// Walk backwards past the trailing partial line (if any) to the
	// last complete entry.
	sawContent := false
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		sawContent = true
		complete := i < len(lines)-1 || buf[len(buf)-1] == '\n'
		if !complete {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil || e.Hash == "" {
			return "", false, nil
		}
		return e.Hash, true, nil
	}
	if sawContent {
		// Only a partial line in the window; treat as tolerated crash
		// remnant and keep scanning impossible — reset to genesis.
		return "", false, nil
	}
	return "", true, nil
}

// Append chains and writes one event. sessionID and promptID may be
// empty, serialized as JSON null. Returns the completed event.
func (l *Log) Append(eventType, sessionID, promptID string, data map[string]any) (*Event, error) {
	dataJSON, err := EncodeData(data)
	if err != nil {
		return nil, err
	}

	e := &Event{
		ID:        NewID(),
		EventType: eventType,
		TS:        time.Now().UTC().Format(time.RFC3339),
		SessionID: nullable(sessionID),
		PromptID:  nullable(promptID),
		DataJSON:  dataJSON,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.PrevHash = l.head
	e.Hash, err = ComputeHash(e)
	if err != nil {
		return nil, err
	}

	line, err := marshalLine(e)
	if err != nil {
		return nil, fmt.Errorf("encode audit line: %w", err)
	}
	if _, err := l.f.Write(line); err != nil {
		err = fmt.Errorf("append audit line: %w", err)
		if l.onError != nil {
			l.onError(err)
		}
		return nil, err
	}
	if err := l.f.Sync(); err != nil {
		err = fmt.Errorf("flush audit log: %w", err)
		if l.onError != nil {
			l.onError(err)
		}
		return nil, err
	}

	l.head = e.Hash
	if l.mirror != nil {
		l.mirror(e)
	}
	return e, nil
}

// SetMirror registers a callback run after each successful append,
// used to mirror chain entries into the relational store.
func (l *Log) SetMirror(fn func(*Event)) {
	l.mu.Lock()
	l.mirror = fn
	l.mu.Unlock()
}

// SetOnError registers a callback for append failures. A failing audit
// log means decisions can no longer be recorded, so the orchestrator
// uses this to abort the session.
func (l *Log) SetOnError(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// NewID returns a fresh 128-bit identity as 32 lowercase hex chars.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
