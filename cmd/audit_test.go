package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/aegis/internal/audit"
)

func writeAuditLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(audit.EventSessionStarted, "s1", "", map[string]any{"tool": "claude"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(audit.EventSessionEnded, "s1", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAuditVerifyExitCodeIntact(t *testing.T) {
	path := writeAuditLog(t)
	if code := runAuditVerify(path); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestAuditVerifyExitCodeBrokenChain(t *testing.T) {
	path := writeAuditLog(t)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// data_json is a string field, so the payload appears escaped on
	// the JSONL line.
	tampered := strings.Replace(string(data), `\"tool\":\"claude\"`, `\"tool\":\"other\"`, 1)
	if tampered == string(data) {
		t.Fatal("tamper target not found in log")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if code := runAuditVerify(path); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestAuditVerifyExitCodeMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.log")
	if code := runAuditVerify(path); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
