package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRun_GateScopePass(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "allowlist.json", `{"patterns": ["nodes/**"]}`)
	writeTestFile(t, dir, "diff.patch", "--- a/nodes/a.py\n+++ b/nodes/a.py\n@@\n+x = 1\n")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"skillctl", "gate", "scope", dir}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr=%s stdout=%s", code, stderr.String(), stdout.String())
	}
}

func TestRun_GateScopeFail(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "allowlist.json", `{"patterns": ["nodes/**"]}`)
	writeTestFile(t, dir, "diff.patch", "--- a/shared/base.py\n+++ b/shared/base.py\n@@\n+x = 1\n")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"skillctl", "gate", "scope", dir}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRun_GateMissingArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"skillctl", "gate"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRun_OrchestrationRequiresFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"skillctl", "run"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRun_OrchestrationSkipsGates(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := Run([]string{
		"skillctl", "run",
		"--correlation-id", "job-1",
		"--artifacts-dir", dir,
		"--skip", "scope", "--skip", "trace_map", "--skip", "sync_compat", "--skip", "artifact",
		"--json",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr=%s", code, stderr.String())
	}
	var report map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("stdout is not valid JSON: %v", err)
	}
	if report["pass"] != true {
		t.Fatalf("report.pass = %v, want true", report["pass"])
	}
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}
