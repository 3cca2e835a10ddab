package system

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canonical/concierge/pkg/engine"
)

func newTestSystem(t *testing.T) *System {
	t.Helper()
	s := New(Options{})
	s.homeDir = t.TempDir()
	s.uid, s.gid = -1, -1
	return s
}

func TestSystem_Run(t *testing.T) {
	s := newTestSystem(t)

	out, err := s.Run(context.Background(), NewCommand("sh", "-c", "echo hello; echo oops >&2"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(string(out), "hello") || !strings.Contains(string(out), "oops") {
		t.Errorf("Expected combined output, got %q", out)
	}
}

func TestSystem_Run_ExitCode(t *testing.T) {
	s := newTestSystem(t)

	_, err := s.Run(context.Background(), NewCommand("sh", "-c", "echo failing; exit 3"))
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if ce.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", ce.ExitCode)
	}
	if !strings.Contains(ce.Output, "failing") {
		t.Errorf("Expected output captured, got %q", ce.Output)
	}
}

func TestSystem_Run_MissingExecutable(t *testing.T) {
	s := newTestSystem(t)

	_, err := s.Run(context.Background(), NewCommand("concierge-definitely-missing-binary"))
	var ce *CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 127 || ce.Temporary() {
		t.Errorf("Expected permanent exit 127, got %v", err)
	}
}

func TestSystem_Run_Env(t *testing.T) {
	s := newTestSystem(t)

	out, err := s.Run(context.Background(), NewCommand("sh", "-c", "echo $CONCIERGE_TEST").WithEnv("CONCIERGE_TEST=value"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "value" {
		t.Errorf("Expected env to be passed, got %q", out)
	}
}

func TestSystem_Trace(t *testing.T) {
	var buf bytes.Buffer
	s := New(Options{Trace: true, TraceWriter: &buf})

	if _, err := s.Run(context.Background(), NewCommand("echo", "traced")); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(buf.String(), "echo traced") || !strings.Contains(buf.String(), "Output:") {
		t.Errorf("Expected trace output, got %q", buf.String())
	}
}

func TestSystem_RunExclusive_Serializes(t *testing.T) {
	s := newTestSystem(t)
	marker := filepath.Join(t.TempDir(), "running")

	// each command fails if another one holds the marker
	script := "if [ -e " + marker + " ]; then exit 9; fi; touch " + marker + "; sleep 0.05; rm " + marker

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunExclusive(context.Background(), NewCommand("sh", "-c", script))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Expected serialized execution, got %v", err)
		}
	}
}

func TestRunWithRetries_RetriesTransientFailure(t *testing.T) {
	m := NewMockSystem()
	m.MockCommand("k8s status", MockResponse{Err: &CommandError{Command: "k8s status", ExitCode: 1}, Times: 1})
	m.MockCommandReturn("k8s status", "ready")

	out, err := RunWithRetries(context.Background(), m, NewCommand("k8s", "status"), 10*time.Second)
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if string(out) != "ready" {
		t.Errorf("Expected ready, got %q", out)
	}
	if n := len(m.Commands()); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
}

func TestRunWithRetries_PermanentFailure(t *testing.T) {
	m := NewMockSystem()
	m.MockCommandError("snap install nope", &CommandError{ExitCode: 1, Output: "Permission denied"})

	_, err := RunWithRetries(context.Background(), m, NewCommand("snap", "install", "nope"), 10*time.Second)
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected the CommandError, got %v", err)
	}
	if engine.IsRetryExhausted(err) {
		t.Error("Permission failures must not be retried")
	}
	if n := len(m.Commands()); n != 1 {
		t.Errorf("Expected a single attempt, got %d", n)
	}
}

func TestSystem_HomeFiles(t *testing.T) {
	s := newTestSystem(t)

	if err := s.WriteHomeFile(".local/share/juju/credentials.yaml", []byte("credentials: {}\n")); err != nil {
		t.Fatalf("WriteHomeFile failed: %v", err)
	}

	got, err := s.ReadHomeFile(".local/share/juju/credentials.yaml")
	if err != nil {
		t.Fatalf("ReadHomeFile failed: %v", err)
	}
	if string(got) != "credentials: {}\n" {
		t.Errorf("Unexpected contents: %q", got)
	}

	info, err := os.Stat(filepath.Join(s.HomeDir(), ".local/share/juju/credentials.yaml"))
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}

	if err := s.RemoveAllHome(".local/share/juju"); err != nil {
		t.Fatalf("RemoveAllHome failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.HomeDir(), ".local/share/juju")); !os.IsNotExist(err) {
		t.Errorf("Expected directory removed, got %v", err)
	}

	if err := s.RemoveAllHome(".does-not-exist"); err != nil {
		t.Errorf("Removing a missing path should succeed, got %v", err)
	}
}

func TestSystem_HomeFiles_RejectAbsolutePaths(t *testing.T) {
	s := newTestSystem(t)

	if err := s.WriteHomeFile("/etc/passwd", nil); err == nil {
		t.Error("Expected error for absolute path")
	}
	if err := s.MkHomeSubdir("/tmp/x"); err == nil {
		t.Error("Expected error for absolute path")
	}
}

func TestFirstElem(t *testing.T) {
	tests := map[string]string{
		".local/share/juju": ".local",
		".kube":             ".kube",
		"a/b/":              "a",
	}
	for in, want := range tests {
		if got := firstElem(in); got != want {
			t.Errorf("firstElem(%q) = %q, want %q", in, got, want)
		}
	}
}
