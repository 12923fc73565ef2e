package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/attendance-tracker/internal/apikey"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestHashKeyCommand(t *testing.T) {
	out, err := runCommand(t, "hash-key", "operator-secret")
	if err != nil {
		t.Fatalf("hash-key returned error: %v", err)
	}
	hash := strings.TrimSpace(strings.TrimPrefix(out, "hash: "))
	if err := apikey.Verify(hash, "operator-secret"); err != nil {
		t.Fatalf("printed hash does not verify: %v (%q)", err, out)
	}

	out, err = runCommand(t, "hash-key")
	if err != nil {
		t.Fatalf("hash-key without argument returned error: %v", err)
	}
	if !strings.HasPrefix(out, "key: ") || !strings.Contains(out, "\nhash: $argon2id$") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMigrateCommand(t *testing.T) {
	for _, key := range []string{"ATTENDANCE_LOG_LEVEL", "ATTENDANCE_LOG_FORMAT", "ATTENDANCE_HTTP_PORT", "ATTENDANCE_MATCH_THRESHOLD"} {
		t.Setenv(key, "")
	}
	t.Setenv("ATTENDANCE_REMOTE_URL", "https://lms.example.com/api")
	t.Setenv("ATTENDANCE_SQLITE_PATH", filepath.Join(t.TempDir(), "attendance.db"))

	out, err := runCommand(t, "--env-file", "", "migrate", "--status")
	if err != nil {
		t.Fatalf("migrate --status returned error: %v", err)
	}
	if !strings.Contains(out, "current version: none") || !strings.Contains(out, "pending: 001") {
		t.Fatalf("unexpected status output %q", out)
	}

	out, err = runCommand(t, "--env-file", "", "migrate")
	if err != nil {
		t.Fatalf("migrate returned error: %v", err)
	}
	if !strings.Contains(out, "applied 2 migration(s)") || !strings.Contains(out, "current version: 002") {
		t.Fatalf("unexpected migrate output %q", out)
	}

	out, err = runCommand(t, "--env-file", "", "migrate")
	if err != nil {
		t.Fatalf("second migrate returned error: %v", err)
	}
	if !strings.Contains(out, "applied 0 migration(s)") {
		t.Fatalf("expected idempotent rerun, got %q", out)
	}
}

func TestCommandsRequireConfiguration(t *testing.T) {
	t.Setenv("ATTENDANCE_REMOTE_URL", "")
	_, err := runCommand(t, "--env-file", "", "queue", "status")
	if err == nil || !strings.Contains(err.Error(), "ATTENDANCE_REMOTE_URL") {
		t.Fatalf("expected missing configuration error, got %v", err)
	}
}
