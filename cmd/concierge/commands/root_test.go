package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/stores"
)

// runCommand executes the root command with args and a fixed environment.
func runCommand(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	getenv := func(key string) string { return env[key] }

	cmd := newRootCommand(BuildInfo{Version: "test"}, &stdout, &stderr, getenv)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	t.Logf("stderr:\n%s", stderr.String())
	return stdout.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"fatal", engine.NewFatalError("step failed", nil), ExitFailure},
		{"retry exhausted", engine.NewRetryExhaustedError(3, errors.New("busy")), ExitFailure},
		{"configuration", engine.NewConfigurationError("bad yaml", nil), ExitConfiguration},
		{"policy", engine.NewFatalError("denied", nil).WithCode(engine.ErrCodePolicyDenied), ExitPolicyDenied},
		{"interrupted", fmt.Errorf("prepare run x: %w", errInterrupted), ExitInterrupted},
		{"cancelled", context.Canceled, ExitInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestRunError(t *testing.T) {
	configErr := engine.NewConfigurationError("invalid params", nil)
	fatalErr := engine.NewFatalError("apt failed", nil)

	tests := []struct {
		name   string
		result *engine.RunResult
		want   int
	}{
		{
			name:   "succeeded",
			result: &engine.RunResult{Status: engine.RunStatusSucceeded},
			want:   ExitOK,
		},
		{
			name:   "interrupted",
			result: &engine.RunResult{Status: engine.RunStatusInterrupted},
			want:   ExitInterrupted,
		},
		{
			name: "fatal step",
			result: &engine.RunResult{Status: engine.RunStatusFailed, Steps: []engine.StepResult{
				{StepID: "deb/make", Status: engine.StepStatusFailed, Error: fatalErr},
				{StepID: "snap/jq", Status: engine.StepStatusFailed, Error: configErr},
			}},
			want: ExitFailure,
		},
		{
			name: "only configuration failures",
			result: &engine.RunResult{Status: engine.RunStatusFailed, Steps: []engine.StepResult{
				{StepID: "snap/jq", Status: engine.StepStatusFailed, Error: configErr},
			}},
			want: ExitConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(runError(tt.result)); got != tt.want {
				t.Errorf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPlan_JSON(t *testing.T) {
	out, err := runCommand(t, nil, "plan", "-p", "dev", "--json")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	var got planOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if got.Source != "preset:dev" {
		t.Errorf("source = %q", got.Source)
	}
	for _, id := range []string{"provider/lxd", "provider/k8s", "juju/juju", "bootstrap/lxd", "bootstrap/k8s", "snap/jhack", "deb/python3-pip"} {
		if got.Plan.Step(id) == nil {
			t.Errorf("plan has no step %s", id)
		}
	}
	if !got.Policy.Allowed {
		t.Errorf("dev preset denied: %+v", got.Policy.Violations)
	}
	if len(got.Policies) != 4 {
		t.Errorf("policies = %v", got.Policies)
	}

	again, err := runCommand(t, nil, "plan", "-p", "dev", "--json")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if again != out {
		t.Errorf("identical configuration produced different plans:\n%s\n%s", out, again)
	}
}

func TestPlan_Table(t *testing.T) {
	out, err := runCommand(t, nil, "plan", "-p", "crafts", "--extra-debs", "make")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	for _, want := range []string{"preset:crafts", "Level 0", "deb/make", "provider/lxd"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "juju/juju") {
		t.Errorf("crafts preset should not install juju:\n%s", out)
	}
}

func TestPlan_DOT(t *testing.T) {
	out, err := runCommand(t, nil, "plan", "-p", "machine", "--dot")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph ExecutionGraph {") {
		t.Errorf("not a DOT graph:\n%s", out)
	}
	if !strings.Contains(out, `"provider/lxd" -> "bootstrap/lxd"`) {
		t.Errorf("missing bootstrap edge:\n%s", out)
	}
}

func TestPlan_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown preset", []string{"plan", "-p", "nope"}},
		{"missing file", []string{"plan", "-c", "/nonexistent/concierge.yaml"}},
		{"conflicting outputs", []string{"plan", "-p", "dev", "--dot", "--json"}},
		{"unknown flag", []string{"plan", "--frobnicate"}},
		{"bad channel", []string{"plan", "-p", "dev", "--juju-channel", "not a channel"}},
		{"bad concurrency", []string{"plan", "-p", "dev", "--concurrency", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, nil, tt.args...)
			if got := ExitCode(err); got != ExitConfiguration {
				t.Errorf("exit code = %d (%v), want %d", got, err, ExitConfiguration)
			}
		})
	}
}

func TestPlan_PolicyDenied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "concierge.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  google:\n    enable: true\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	out, err := runCommand(t, nil, "plan", "-c", path)
	if got := ExitCode(err); got != ExitPolicyDenied {
		t.Fatalf("exit code = %d (%v), want %d", got, err, ExitPolicyDenied)
	}
	if !strings.Contains(out, "google-credentials") {
		t.Errorf("denial not shown:\n%s", out)
	}
}

func TestPlan_SkipPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "concierge.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  google:\n    enable: true\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	out, err := runCommand(t, nil, "plan", "-c", path, "--skip-policy", "google-credentials")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.Contains(out, "policies: edge-channels, kubernetes-conflict, protected-snaps") || strings.Contains(out, "google-credentials") {
		t.Errorf("skipped policy still listed:\n%s", out)
	}

	tests := []struct {
		name   string
		policy string
	}{
		{"unknown", "no-such-policy"},
		{"protected", "protected-snaps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, nil, "plan", "-p", "dev", "--skip-policy", tt.policy)
			if got := ExitCode(err); got != ExitConfiguration {
				t.Errorf("exit code = %d (%v), want %d", got, err, ExitConfiguration)
			}
		})
	}
}

func TestPlan_PolicyDir(t *testing.T) {
	dir := t.TempDir()
	policy := `package site.nojq

import rego.v1

deny contains msg if {
	some step in input.steps
	step.id == "snap/jq"
	msg := "jq is not allowed here"
}
`
	if err := os.WriteFile(filepath.Join(dir, "nojq.rego"), []byte(policy), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	_, err := runCommand(t, map[string]string{"CONCIERGE_POLICY_DIR": dir}, "plan", "-p", "crafts")
	if got := ExitCode(err); got != ExitPolicyDenied {
		t.Errorf("exit code = %d (%v), want %d", got, err, ExitPolicyDenied)
	}
}

func seedStore(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	records := []engine.InstallRecord{
		{RunID: "run-1", StepID: "snap/jq", Kind: engine.StepKindSnap, Target: "jq", Action: engine.ActionInstall},
		{RunID: "run-1", StepID: "provider/lxd", Kind: engine.StepKindProvider, Target: "lxd", Action: engine.ActionInstall, PreExisting: true},
	}
	for i := range records {
		if err := store.AppendRecord(ctx, &records[i]); err != nil {
			t.Fatalf("AppendRecord failed: %v", err)
		}
	}
	completed := time.Now()
	run := &engine.RunEntry{
		ID:          "run-1",
		Kind:        engine.RunKindPrepare,
		Status:      engine.RunStatusSucceeded,
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	event := &engine.Event{RunID: "run-1", StepID: "snap/jq", Type: engine.EventTypeRecordWritten, Message: "install record written"}
	if err := store.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestStatus_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedStore(t, path)

	out, err := runCommand(t, nil, "status", "--state-file", path, "--json", "--no-probe")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if report.LastPrepare == nil || report.LastPrepare.Status != engine.RunStatusSucceeded {
		t.Errorf("last prepare = %+v", report.LastPrepare)
	}
	if report.LastRestore != nil {
		t.Errorf("last restore = %+v, want none", report.LastRestore)
	}
	if len(report.Records) != 2 {
		t.Errorf("records = %+v", report.Records)
	}
}

func TestStatus_RunTimeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedStore(t, path)

	out, err := runCommand(t, nil, "status", "--state-file", path, "--json", "--no-probe", "--run", "run-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if report.Run == nil || report.Run.ID != "run-1" {
		t.Fatalf("run = %+v", report.Run)
	}
	if len(report.Events) != 1 || report.Events[0].StepID != "snap/jq" {
		t.Errorf("events = %+v", report.Events)
	}
	if len(report.History) != 1 || report.History[0].ID != "run-1" {
		t.Errorf("history = %+v", report.History)
	}

	out, err = runCommand(t, nil, "status", "--state-file", path, "--no-probe", "--run", "run-1", "--history", "0")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Run run-1", "snap/jq", "install record written"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "History") {
		t.Errorf("history should be hidden with --history 0:\n%s", out)
	}
}

func TestStatus_UnknownRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedStore(t, path)

	_, err := runCommand(t, nil, "status", "--state-file", path, "--no-probe", "--run", "missing")
	if code := ExitCode(err); code != ExitConfiguration {
		t.Errorf("ExitCode = %d, want %d (err: %v)", code, ExitConfiguration, err)
	}
}

func TestStatus_EmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	out, err := runCommand(t, map[string]string{"CONCIERGE_STATE_FILE": path}, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{path, "never run", "Install records (0)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRestore_DryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedStore(t, path)

	out, err := runCommand(t, nil, "restore", "--dry-run", "--state-file", path)
	if err != nil {
		t.Fatalf("restore --dry-run failed: %v", err)
	}
	for _, want := range []string{"restore plan: 2 steps", "teardown:snap/jq", "teardown:provider/lxd"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRestore_EmptyStoreDryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	out, err := runCommand(t, nil, "restore", "--dry-run", "--state-file", path)
	if err != nil {
		t.Fatalf("restore --dry-run failed: %v", err)
	}
	if !strings.Contains(out, "nothing to do") {
		t.Errorf("output = %q", out)
	}
}

func TestRenderResult(t *testing.T) {
	var buf bytes.Buffer
	renderResult(&buf, &engine.RunResult{
		ID:     "run-1",
		Kind:   engine.RunKindPrepare,
		Status: engine.RunStatusFailed,
		Steps: []engine.StepResult{
			{StepID: "snap/jq", Status: engine.StepStatusSucceeded},
			{StepID: "provider/lxd", Status: engine.StepStatusSucceeded, PreExisting: true},
			{StepID: "deb/make", Status: engine.StepStatusFailed, Error: engine.NewFatalError("apt-get failed", nil)},
			{StepID: "bootstrap/lxd", Status: engine.StepStatusSkipped},
		},
		Summary: engine.RunSummary{Total: 4, Succeeded: 2, Failed: 1, Skipped: 1, Recorded: 1},
	})

	out := buf.String()
	for _, want := range []string{checkMark + " snap/jq", keptMark + " provider/lxd", crossMark + " deb/make", "apt-get failed", skipMark + " bootstrap/lxd", "failed: 2 succeeded, 1 failed, 1 skipped, 1 recorded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStateWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	var (
		mu      sync.Mutex
		changes int
	)
	w := newStateWatcher(path, zerolog.Nop(), func() {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(path+"-wal", []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := changes
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no change reported")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}
