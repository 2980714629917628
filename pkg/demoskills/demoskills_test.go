package demoskills

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/skill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeFix_WritesAllowlistAndDiff(t *testing.T) {
	artifacts := artifactstore.New(t.TempDir())
	s := NewNodeFix(artifacts)
	handle := skill.NewExecutorHandle("job-1", nil, nil)

	out, err := s.Invoke(context.Background(), handle, map[string]any{
		"errors": []any{"lint: missing return type"},
	})
	require.NoError(t, err)
	require.Nil(t, out.InputRequired)
	assert.NotEmpty(t, out.Fields["patch"])
	assert.Equal(t, []string{"nodes/generated_fix.py"}, out.ChangedFiles)

	dir := artifacts.Dir("job-1")
	assert.True(t, artifacts.Exists(dir, "allowlist.json"))
	assert.True(t, artifacts.Exists(dir, "diff.patch"))
}

func TestNodeFix_RequestsInputWhenNoErrors(t *testing.T) {
	artifacts := artifactstore.New(t.TempDir())
	s := NewNodeFix(artifacts)
	handle := skill.NewExecutorHandle("job-2", nil, nil)

	out, err := s.Invoke(context.Background(), handle, map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, out.InputRequired)
	assert.Contains(t, out.InputRequired.MissingFields, "errors")
}

func TestNodeValidate_FlagsTODOMarker(t *testing.T) {
	s := NewNodeValidate()
	handle := skill.NewExecutorHandle("job-1", nil, nil)

	out, err := s.Invoke(context.Background(), handle, map[string]any{
		"candidate": map[string]any{"patch": "+# TODO: finish this"},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out.Fields["clean"])
	assert.NotEmpty(t, out.Fields["findings"])
}

func TestNodeValidate_PassesCleanPatch(t *testing.T) {
	s := NewNodeValidate()
	handle := skill.NewExecutorHandle("job-1", nil, nil)

	out, err := s.Invoke(context.Background(), handle, map[string]any{
		"candidate": map[string]any{"patch": "+x = 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.Fields["clean"])
}

func TestDocSummarize_EmitsTraceMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source.md")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	s := NewDocSummarize()
	handle := skill.NewExecutorHandle("job-3", nil, nil)

	out, err := s.Invoke(context.Background(), handle, map[string]any{"source_path": path})
	require.NoError(t, err)
	require.NotNil(t, out.TraceMap)
	assert.NotEmpty(t, out.Fields["summary"])
}

func TestDocSummarize_RequestsInputWhenNoPath(t *testing.T) {
	s := NewDocSummarize()
	handle := skill.NewExecutorHandle("job-4", nil, nil)

	out, err := s.Invoke(context.Background(), handle, map[string]any{})
	require.NoError(t, err)
	require.NotNil(t, out.InputRequired)
}
