package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

func testDeps(t *testing.T) (*store.Store, *audit.Log) {
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
	return st, aud
}

func TestRecoverPriorRunsNothingToDo(t *testing.T) {
	st, aud := testDeps(t)
	o := New(config.Default())
	if rec := o.recoverPriorRuns(st, aud); rec != nil {
		t.Errorf("recovered %+v from empty database", rec)
	}
}

func TestRecoverPriorRunsResumesNewestLivePrompt(t *testing.T) {
	st, aud := testDeps(t)
	now := time.Now()

	if err := st.Sessions.Create(&store.Session{
		ID: "old", Tool: "claude", CWD: "/w", StartedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	stale := &store.PromptRecord{
		ID: audit.NewID(), SessionID: "old", InputType: store.InputYesNo,
		Excerpt: "old one", Status: store.PromptAwaitingResponse, SafeDefault: "n",
		Nonce: audit.NewID(), CreatedAt: now.Add(-30 * time.Minute),
		ExpiresAt: now.Add(-25 * time.Minute), DetectionMethod: store.MethodPattern,
	}
	live := &store.PromptRecord{
		ID: audit.NewID(), SessionID: "old", InputType: store.InputYesNo,
		Excerpt: "still waiting", Status: store.PromptAwaitingResponse, SafeDefault: "n",
		Nonce: audit.NewID(), CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(4 * time.Minute), DetectionMethod: store.MethodPattern,
	}
	if err := st.Prompts.Create(stale); err != nil {
		t.Fatal(err)
	}
	if err := st.Prompts.Create(live); err != nil {
		t.Fatal(err)
	}

	o := New(config.Default())
	rec := o.recoverPriorRuns(st, aud)
	if rec == nil || rec.ID != live.ID {
		t.Fatalf("recovered = %+v, want %s", rec, live.ID)
	}
	if rec.Nonce != live.Nonce {
		t.Error("resumed prompt lost its nonce")
	}

	sess, err := st.Sessions.Get("old")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != store.SessionCrashed {
		t.Errorf("stale session status = %q", sess.Status)
	}

	gotStale, err := st.Prompts.Get(stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotStale.Status != store.PromptAbortedCrash {
		t.Errorf("stale prompt status = %q", gotStale.Status)
	}

	gotLive, err := st.Prompts.Get(live.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotLive.Status != store.PromptAwaitingResponse {
		t.Errorf("live prompt status = %q, must stay awaiting", gotLive.Status)
	}
}
