package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aegis/internal/audit"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aegis.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, s *Store) *Session {
	t.Helper()
	sess := &Session{
		ID:        audit.NewID(),
		Tool:      "claude",
		CWD:       "/tmp/project",
		StartedAt: time.Now(),
	}
	if err := s.Sessions.Create(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func newPrompt(t *testing.T, s *Store, sessionID string, expires time.Time) *PromptRecord {
	t.Helper()
	p := &PromptRecord{
		ID:              audit.NewID(),
		SessionID:       sessionID,
		InputType:       InputYesNo,
		Excerpt:         "Do you want to continue? (y/n)",
		Choices:         []string{},
		Confidence:      0.85,
		Status:          PromptAwaitingResponse,
		SafeDefault:     "n",
		Nonce:           audit.NewID(),
		CreatedAt:       time.Now(),
		ExpiresAt:       expires,
		DetectionMethod: MethodPattern,
	}
	if err := s.Prompts.Create(p); err != nil {
		t.Fatalf("create prompt: %v", err)
	}
	return p
}

func TestOpenAppliesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("db perm = %o, want 600", perm)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopen must not re-apply migrations.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	v, err := SchemaVersion(s2.DB())
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
	var count int
	if err := s2.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != len(migrations) {
		t.Errorf("schema_version rows = %d, want %d", count, len(migrations))
	}
}

func TestDecisionGuardConsumesNonceOnce(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)
	p := newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))

	rows, err := s.Prompts.Decide(p.ID, p.Nonce, "telegram:42", "y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("first Decide rows = %d, want 1", rows)
	}

	// Replay with the same nonce must be refused.
	rows, err = s.Prompts.Decide(p.ID, p.Nonce, "telegram:42", "y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("replayed Decide rows = %d, want 0", rows)
	}

	got, err := s.Prompts.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != PromptResponseReceived || !got.NonceUsed {
		t.Errorf("status=%q nonce_used=%v after decide", got.Status, got.NonceUsed)
	}
	if got.DecidedBy != "telegram:42" || got.ResponseNormalized != "y" {
		t.Errorf("decided_by=%q response=%q", got.DecidedBy, got.ResponseNormalized)
	}
}

func TestDecisionGuardRejectsForgedNonce(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)
	p := newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))

	rows, err := s.Prompts.Decide(p.ID, audit.NewID(), "telegram:42", "y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("forged nonce rows = %d, want 0", rows)
	}
}

func TestDecisionGuardRejectsExpired(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)
	p := newPrompt(t, s, sess.ID, time.Now().Add(-time.Second))

	rows, err := s.Prompts.Decide(p.ID, p.Nonce, "telegram:42", "y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("expired prompt rows = %d, want 0", rows)
	}
}

func TestExpireRacesDecide(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)
	p := newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))

	rows, err := s.Prompts.Expire(p.ID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("Expire rows = %d, want 1", rows)
	}

	// The late reply loses the race.
	rows, err = s.Prompts.Decide(p.ID, p.Nonce, "telegram:42", "y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("Decide after Expire rows = %d, want 0", rows)
	}

	// And a second expiry is a no-op.
	rows, err = s.Prompts.Expire(p.ID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Fatalf("second Expire rows = %d, want 0", rows)
	}
}

func TestPromptRoundTrip(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)

	ref := int64(991)
	p := &PromptRecord{
		ID:              audit.NewID(),
		SessionID:       sess.ID,
		InputType:       InputMultipleChoice,
		Excerpt:         "Select an option (1-3)",
		Choices:         []string{"red", "green", "blue"},
		Confidence:      0.8,
		Status:          PromptTelegramSent,
		SafeDefault:     "1",
		Nonce:           audit.NewID(),
		CreatedAt:       time.Now(),
		ExpiresAt:       time.Now().Add(time.Minute),
		DetectionMethod: MethodPattern,
	}
	if err := s.Prompts.Create(p); err != nil {
		t.Fatal(err)
	}
	if err := s.Prompts.SetChannelRef(p.ID, ref); err != nil {
		t.Fatal(err)
	}

	got, err := s.Prompts.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InputType != p.InputType || got.Excerpt != p.Excerpt || got.SafeDefault != "1" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.Choices) != 3 || got.Choices[0] != "red" || got.Choices[2] != "blue" {
		t.Errorf("choices = %v", got.Choices)
	}
	if got.ChannelMsgRef == nil || *got.ChannelMsgRef != ref {
		t.Errorf("channel_msg_ref = %v, want %d", got.ChannelMsgRef, ref)
	}
	if got.Confidence != 0.8 || got.NonceUsed {
		t.Errorf("confidence=%v nonce_used=%v", got.Confidence, got.NonceUsed)
	}
}

func TestLiveFindsRecoverablePrompts(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)

	live := newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))
	expired := newPrompt(t, s, sess.ID, time.Now().Add(-time.Minute))
	decided := newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))
	if _, err := s.Prompts.Decide(decided.ID, decided.Nonce, "telegram:1", "n", time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.Prompts.Live(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("Live = %d prompts, want exactly the live one (skip %s, %s)", len(got), expired.ID, decided.ID)
	}

	// Nonce survives restart untouched: the guard still accepts it.
	rows, err := s.Prompts.Decide(live.ID, live.Nonce, "telegram:1", "y", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("Decide after recovery rows = %d, want 1", rows)
	}
}

func TestAbortActive(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)
	newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))
	newPrompt(t, s, sess.ID, time.Now().Add(time.Minute))

	rows, err := s.Prompts.AbortActive(sess.ID, PromptAbortedShutdown)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Fatalf("AbortActive rows = %d, want 2", rows)
	}

	prompts, err := s.Prompts.BySession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range prompts {
		if p.Status != PromptAbortedShutdown {
			t.Errorf("prompt %s status = %q", p.ID, p.Status)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openStore(t)
	sess := newSession(t, s)

	if err := s.Sessions.SetPID(sess.ID, 4242); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions.IncrementPromptCount(sess.ID); err != nil {
		t.Fatal(err)
	}

	active, err := s.Sessions.ListActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].PID != 4242 || active[0].PromptCount != 1 {
		t.Fatalf("ListActive = %+v", active)
	}

	code := 0
	if err := s.Sessions.End(sess.ID, SessionCompleted, &code); err != nil {
		t.Fatal(err)
	}
	got, err := s.Sessions.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != SessionCompleted || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("ended session = %+v", got)
	}
	if got.EndedAt.IsZero() {
		t.Error("EndedAt not set")
	}
}

func TestTrustRepo(t *testing.T) {
	s := openStore(t)
	dir := t.TempDir()

	trusted, err := s.Trust.IsTrusted(dir)
	if err != nil {
		t.Fatal(err)
	}
	if trusted {
		t.Fatal("fresh path already trusted")
	}

	if err := s.Trust.Grant(dir, "telegram:42"); err != nil {
		t.Fatal(err)
	}
	trusted, err = s.Trust.IsTrusted(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !trusted {
		t.Fatal("granted path not trusted")
	}

	grants, err := s.Trust.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 || grants[0].GrantedBy != "telegram:42" {
		t.Fatalf("List = %+v", grants)
	}

	if err := s.Trust.Revoke(dir); err != nil {
		t.Fatal(err)
	}
	trusted, err = s.Trust.IsTrusted(dir)
	if err != nil {
		t.Fatal(err)
	}
	if trusted {
		t.Fatal("revoked path still trusted")
	}
}

func TestAuditRepoRecent(t *testing.T) {
	s := openStore(t)
	sid := "s1"
	for i := 0; i < 3; i++ {
		e := &audit.Event{
			ID:        audit.NewID(),
			EventType: audit.EventPromptCreated,
			TS:        FormatTime(time.Now()),
			SessionID: &sid,
			DataJSON:  "{}",
			PrevHash:  audit.GenesisHash,
			Hash:      audit.NewID(),
		}
		if err := s.Audit.Insert(e); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.Audit.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Recent = %d events, want 2", len(events))
	}
	if events[0].SessionID == nil || *events[0].SessionID != "s1" {
		t.Errorf("session id = %v", events[0].SessionID)
	}
}
