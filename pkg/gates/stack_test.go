package gates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStack_RunAggregatesAllGates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "allowlist.json", `{"patterns": ["nodes/**"]}`)
	writeTraceMap(t, dir, TraceMapDoc{TraceEntries: []TraceEntry{{FieldPath: "a", Source: SourceCode, Evidence: "e"}}})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "request_snapshot.json"), []byte(`{}`), 0o644))

	s := NewStack(NewScopeGate(), NewTraceMapGate(nil), NewArtifactGate())
	rc := &RunContext{
		ArtifactsDir:      dir,
		ChangedFiles:      []string{"nodes/a.py"},
		RequiredArtifacts: []RequiredArtifact{{Name: "request_snapshot.json", Type: "json"}},
		Clock:             func() time.Time { return time.Unix(0, 0) },
	}
	report := s.Run(rc, nil)
	assert.True(t, report.Pass)
	assert.Len(t, report.Results, 3)
}

func TestStack_RunRespectsSkip(t *testing.T) {
	dir := t.TempDir()
	s := NewStack(NewScopeGate(), NewTraceMapGate(nil))
	rc := &RunContext{ArtifactsDir: dir, ChangedFiles: []string{"x"}}
	report := s.Run(rc, &RunOpts{Skip: map[string]bool{"scope": true, "trace_map": true}})
	assert.True(t, report.Pass)
	assert.Empty(t, report.Results)
}

func TestStack_WriteValidationLog(t *testing.T) {
	dir := t.TempDir()
	s := NewStack(NewArtifactGate())
	report := s.Run(&RunContext{ArtifactsDir: dir, RequiredArtifacts: []RequiredArtifact{{Name: "missing.json", Type: "json"}}}, nil)
	require.NoError(t, WriteValidationLog(dir, report))

	content, err := os.ReadFile(filepath.Join(dir, "validation_logs.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "gate=artifact")
	assert.Contains(t, string(content), "overall_pass=false")
}
