package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	return path
}

const reviewPolicy = `# Snaps from the beta risk need review.
# severity: warning

package site.review

import rego.v1

deny contains v if {
	some step in input.steps
	endswith(step.params.channel, "beta")
	v := {"message": "beta channel", "step": step.id}
}
`

func TestLoadFile_Rego(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "review.rego", reviewPolicy)

	p, err := NewLoader(zerolog.Nop()).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if p.Name != "review" || p.Source != path || !p.Enabled {
		t.Errorf("policy = %+v", p)
	}
	if p.Description != "Snaps from the beta risk need review." {
		t.Errorf("description = %q", p.Description)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("severity = %s, want warning", p.Severity)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "site.json", `{"rego": "package site.custom\n", "description": "empty"}`)

	p, err := NewLoader(zerolog.Nop()).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if p.Name != "site" || p.Severity != SeverityError || !p.Enabled {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFile(writePolicy(t, dir, "x.txt", "")); err == nil {
		t.Error("expected error for unsupported type")
	}
	if _, err := loader.LoadFile(writePolicy(t, dir, "bad.json", "{")); !engine.IsConfiguration(err) {
		t.Errorf("expected configuration error for invalid JSON, got %v", err)
	}
	if _, err := loader.LoadFile(filepath.Join(dir, "missing.rego")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "b.rego", "package site.b\n")
	writePolicy(t, dir, "nested/a.rego", "package site.a\n")
	writePolicy(t, dir, "README.md", "ignored")

	policies, err := NewLoader(zerolog.Nop()).LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(policies) != 2 || policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("policies = %+v", policies)
	}
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := NewLoader(zerolog.Nop()).LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !engine.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestEngine_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "review.rego", reviewPolicy)

	eng := newTestEngine(t)
	if err := eng.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), prepareInput(t, engine.PlanInput{
		Snaps: []engine.SnapSpec{{Name: "jq", Params: raw(t, map[string]string{"channel": "latest/beta"})}},
	}))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 1 || result.Warnings[0].Policy != "review" {
		t.Errorf("result = %+v", result)
	}
}

func TestEngine_LoadDir_CompileError(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "broken.rego", "package site.broken\n\ndeny contains")

	if err := newTestEngine(t).LoadDir(context.Background(), dir); err == nil {
		t.Error("expected compile error")
	}
}
