package supervisor

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/prompt"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

func TestWireBytes(t *testing.T) {
	tests := []struct {
		value string
		want  []byte
	}{
		{"y", []byte{'y', '\r'}},
		{"n", []byte{'n', '\r'}},
		{"1", []byte{'1', '\r'}},
		{"3", []byte{'3', '\r'}},
		{"", []byte{'\r'}},
		{"\n", []byte{'\r'}},
		{"fix the tests", append([]byte("fix the tests"), '\r')},
	}
	for _, tt := range tests {
		if got := wireBytes(tt.value); !bytes.Equal(got, tt.want) {
			t.Errorf("wireBytes(%q) = %x, want %x", tt.value, got, tt.want)
		}
	}
}

func testInjector(t *testing.T, out *bytes.Buffer) (*injector, *store.Store, *audit.Log, *rollingBuffer) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	aud, err := audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { aud.Close() })

	if err := st.Sessions.Create(&store.Session{ID: "s1", Tool: "claude", CWD: "/w", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	buf := newRollingBuffer()
	return newInjector(out, st, aud, "s1", buf), st, aud, buf
}

func seedPrompt(t *testing.T, st *store.Store) *store.PromptRecord {
	t.Helper()
	now := time.Now()
	rec := &store.PromptRecord{
		ID:              audit.NewID(),
		SessionID:       "s1",
		InputType:       store.InputYesNo,
		Excerpt:         "Continue? (y/n)",
		Confidence:      0.85,
		Status:          store.PromptResponseReceived,
		SafeDefault:     "n",
		Nonce:           audit.NewID(),
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
		DetectionMethod: store.MethodPattern,
	}
	if err := st.Prompts.Create(rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestInjectWritesAndFinalizes(t *testing.T) {
	var out bytes.Buffer
	inj, st, aud, buf := testInjector(t, &out)
	rec := seedPrompt(t, st)
	buf.Write([]byte("Continue? (y/n)"))

	err := inj.Inject(prompt.Injection{
		PromptID: rec.ID,
		Kind:     store.InputYesNo,
		Value:    "y",
		Decider:  "telegram:42",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := out.Bytes(); !bytes.Equal(got, []byte{'y', '\r'}) {
		t.Errorf("wrote %x", got)
	}
	if buf.Len() != 0 {
		t.Error("buffer not cleared after injection")
	}

	updated, err := st.Prompts.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != store.PromptInjected || updated.ResponseNormalized != "y" {
		t.Errorf("record = status %q response %q", updated.Status, updated.ResponseNormalized)
	}

	res, err := audit.Verify(aud.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Count == 0 {
		t.Errorf("audit chain = %+v", res)
	}
}

func TestInjectAutoStatus(t *testing.T) {
	var out bytes.Buffer
	inj, st, _, _ := testInjector(t, &out)
	rec := seedPrompt(t, st)

	err := inj.Inject(prompt.Injection{
		PromptID: rec.ID,
		Kind:     store.InputYesNo,
		Value:    "n",
		Decider:  "timeout",
		Auto:     true,
		TimedOut: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := st.Prompts.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != store.PromptAutoInjected {
		t.Errorf("status = %q, want auto_injected", updated.Status)
	}
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, errors.New("pty gone") }

func TestInjectWriteFailure(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	aud, err := audit.Open(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatal(err)
	}
	defer aud.Close()

	inj := newInjector(failWriter{}, st, aud, "s1", newRollingBuffer())
	err = inj.Inject(prompt.Injection{PromptID: "p1", Value: "y"})
	if err == nil {
		t.Fatal("write failure not reported")
	}
	if inj.Injecting() {
		t.Error("injecting flag stuck after failure")
	}
}
