package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCompatGate_DetectsAwait(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mynode.js")
	require.NoError(t, os.WriteFile(path, []byte("async function run() {\n  await fetch('http://x')\n}\n"), 0o644))

	g := NewSyncCompatGate([]string{path})
	res := g.Run(&RunContext{ArtifactsDir: dir})
	assert.False(t, res.Pass)
	assert.Contains(t, res.Reasons, ReasonForbiddenConstruct)
	assert.NotEmpty(t, res.Findings)
}

func TestSyncCompatGate_CleanFilePasses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mynode.py")
	require.NoError(t, os.WriteFile(path, []byte("def run():\n    return 1\n"), 0o644))

	g := NewSyncCompatGate([]string{path})
	res := g.Run(&RunContext{ArtifactsDir: dir})
	assert.True(t, res.Pass)
}

func TestSyncCompatGate_SkipsKnownArtifacts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "validation_logs.txt"), []byte("await something"), 0o644))

	g := NewSyncCompatGate(nil)
	res := g.Run(&RunContext{ArtifactsDir: dir})
	assert.True(t, res.Pass)
}

func TestSyncCompatGate_ScansDiffPatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diff.patch"), []byte("--- a/x.py\n+++ b/x.py\n@@\n+await fetch('http://x')\n"), 0o644))

	g := NewSyncCompatGate(nil)
	res := g.Run(&RunContext{ArtifactsDir: dir})
	assert.False(t, res.Pass, "diff.patch is the only emitted source an implement-autonomy skill writes and must be scanned")
	assert.Contains(t, res.Reasons, ReasonForbiddenConstruct)
}

func TestScanSourceForForbiddenConstructs(t *testing.T) {
	findings := ScanSourceForForbiddenConstructs("go func() {\n  doWork()\n}\n")
	require.NotEmpty(t, findings)
	assert.Equal(t, "unjoined_background_task", findings[0].Pattern)
}
