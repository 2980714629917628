package fixloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/executor/pkg/advisor"
	"github.com/skillforge/executor/pkg/agent"
	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/contracts"
	"github.com/skillforge/executor/pkg/executor"
	"github.com/skillforge/executor/pkg/gates"
	"github.com/skillforge/executor/pkg/skill"
	"github.com/skillforge/executor/pkg/statestore"
)

const loopContractTemplate = `
name: %s
version: "1.0.0"
execution_mode: deterministic
autonomy_level: suggest
side_effects: []
timeout_seconds: 30
max_fix_iterations: 0
idempotency_required: false
sync_constraints: {}
input_schema: {}
output_schema: {}
required_artifacts: []
failure_modes: []
depends_on: []
interaction_outcomes:
  allowed_intermediate_states: []
  max_turns: 20
  supports_resume: false
state_persistence_level: none
`

// eventualSuccessValidate fails for the first N-1 calls, then succeeds.
type eventualSuccessValidate struct {
	callsUntilSuccess int
	calls             int
}

func (v *eventualSuccessValidate) Invoke(ctx context.Context, h *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	v.calls++
	if v.calls < v.callsUntilSuccess {
		return &skill.Output{Fields: map[string]any{}, ChangedFiles: nil}, errFakeValidationFailure(v.calls)
	}
	return &skill.Output{Fields: map[string]any{"clean": true}}, nil
}

// errFakeValidationFailure is a lightweight error-as-value helper the
// Executor surfaces through finishFailed's Errors slice.
func errFakeValidationFailure(n int) error { return fmt.Errorf("validation round %d failed", n) }

type alwaysFixSkill struct{}

func (alwaysFixSkill) Invoke(ctx context.Context, h *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	return &skill.Output{Fields: map[string]any{
		"patched": true,
		"patch":   fmt.Sprintf("--- a/x.py\n+++ b/x.py\n@@\n+# iteration %v\n", inputs["iteration"]),
	}}, nil
}

func newTestLoop(t *testing.T, validate skill.Skill) *Loop {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"node-fix", "node-validate"} {
		body := fmt.Sprintf(loopContractTemplate, name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
	}
	reg, err := contracts.Load(dir)
	require.NoError(t, err)

	store, err := statestore.NewEmbedded(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	artifacts := artifactstore.New(t.TempDir())
	skills := skill.NewRegistry()
	skills.Register("node-fix", alwaysFixSkill{})
	skills.Register("node-validate", validate)

	adv := advisor.New(reg)
	stack := gates.NewStack(gates.NewArtifactGate())
	exec := executor.New(reg, skills, store, artifacts, adv, stack)
	ad := agent.New(exec, store, false)

	return New(ad, artifacts, "node-fix", "node-validate")
}

func TestFixLoop_ConvergesWithinBudget(t *testing.T) {
	ctx := context.Background()
	loop := newTestLoop(t, &eventualSuccessValidate{callsUntilSuccess: 2})

	res, err := loop.Run(ctx, "job-converge", []string{"initial error"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.LessOrEqual(t, res.Iterations, MaxIterations)
}

func TestFixLoop_EscalatesAfterMaxIterations(t *testing.T) {
	ctx := context.Background()
	loop := newTestLoop(t, &eventualSuccessValidate{callsUntilSuccess: 999})

	res, err := loop.Run(ctx, "job-escalate", []string{"initial error"})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, MaxIterations, res.Iterations)

	reportPath := filepath.Join(loop.Artifacts.FixIterationDir("job-escalate", MaxIterations), "escalation_report.md")
	content, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "job-escalate")
	assert.Contains(t, string(content), fmt.Sprintf("iterations_attempted: %d", MaxIterations))
	assert.Contains(t, string(content), "## Diffs Attempted")
	assert.Contains(t, string(content), fmt.Sprintf("iteration %d", MaxIterations))
}

func TestFixLoop_PersistsArtifactsPerIteration(t *testing.T) {
	ctx := context.Background()
	loop := newTestLoop(t, &eventualSuccessValidate{callsUntilSuccess: 999})

	res, err := loop.Run(ctx, "job-iterate", []string{"initial error"})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, res.Status)

	var snapshots []string
	for i := 1; i <= MaxIterations; i++ {
		dir := loop.Artifacts.FixIterationDir("job-iterate", i)
		path := filepath.Join(dir, "request_snapshot.json")
		content, err := os.ReadFile(path)
		require.NoError(t, err, "iteration %d should have its own request_snapshot.json", i)
		snapshots = append(snapshots, string(content))
	}

	assert.NotEqual(t, snapshots[0], snapshots[1], "iterations 1 and 2 must not share one clobbered snapshot")
	assert.NotEqual(t, snapshots[1], snapshots[2], "iterations 2 and 3 must not share one clobbered snapshot")
}
