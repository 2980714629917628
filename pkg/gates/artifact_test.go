package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactGate_AllPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "request_snapshot.json"), []byte(`{"a":1}`), 0o644))

	g := NewArtifactGate()
	res := g.Run(&RunContext{
		ArtifactsDir:      dir,
		RequiredArtifacts: []RequiredArtifact{{Name: "request_snapshot.json", Type: "json"}},
	})
	assert.True(t, res.Pass)
}

func TestArtifactGate_Missing(t *testing.T) {
	dir := t.TempDir()
	g := NewArtifactGate()
	res := g.Run(&RunContext{
		ArtifactsDir:      dir,
		RequiredArtifacts: []RequiredArtifact{{Name: "trace_map.json", Type: "json"}},
	})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonArtifactMissing)
}

func TestArtifactGate_Empty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diff.patch"), []byte(""), 0o644))
	g := NewArtifactGate()
	res := g.Run(&RunContext{
		ArtifactsDir:      dir,
		RequiredArtifacts: []RequiredArtifact{{Name: "diff.patch", Type: "patch"}},
	})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonArtifactEmpty)
}

func TestArtifactGate_WrongType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace_map.json"), []byte("not json but non-empty"), 0o644))
	g := NewArtifactGate()
	res := g.Run(&RunContext{
		ArtifactsDir:      dir,
		RequiredArtifacts: []RequiredArtifact{{Name: "trace_map.json", Type: "markdown"}},
	})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonArtifactWrongType)
}
