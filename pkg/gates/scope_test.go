package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestScopeGate_AllFilesAllowlisted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "allowlist.json", `{"patterns": ["nodes/**"]}`)
	writeFile(t, dir, "diff.patch", "--- a/nodes/mynode.py\n+++ b/nodes/mynode.py\n@@\n+x=1\n")

	g := NewScopeGate()
	res := g.Run(&RunContext{ArtifactsDir: dir})
	assert.True(t, res.Pass)
}

func TestScopeGate_FileOutsideAllowlist(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "allowlist.json", `{"patterns": ["nodes/mynode.py"]}`)

	g := NewScopeGate()
	res := g.Run(&RunContext{ArtifactsDir: dir, ChangedFiles: []string{"src/shared/base.py"}})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonFileDenylisted)
}

func TestScopeGate_NarrowGlobDoesNotCrossSegments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "allowlist.json", `{"patterns": ["nodes/*.py"]}`)

	g := NewScopeGate()
	res := g.Run(&RunContext{ArtifactsDir: dir, ChangedFiles: []string{"nodes/sub/deep.py"}})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonFileNotAllowlisted)
}

func TestScopeGate_DoubleStarCrossesSegments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "allowlist.json", `{"patterns": ["nodes/**/*.py"]}`)

	g := NewScopeGate()
	res := g.Run(&RunContext{ArtifactsDir: dir, ChangedFiles: []string{"nodes/sub/deep.py"}})
	assert.True(t, res.Pass)
}

func TestScopeGate_NoChangedFiles(t *testing.T) {
	dir := t.TempDir()
	g := NewScopeGate()
	res := g.Run(&RunContext{ArtifactsDir: dir, ChangedFiles: []string{}})
	assert.True(t, res.Pass)
}

func TestScopeGate_MissingAllowlist(t *testing.T) {
	dir := t.TempDir()
	g := NewScopeGate()
	res := g.Run(&RunContext{ArtifactsDir: dir, ChangedFiles: []string{"nodes/mynode.py"}})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonAllowlistMissing)
}
