package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/executor/pkg/advisor"
	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/contracts"
	"github.com/skillforge/executor/pkg/executor"
	"github.com/skillforge/executor/pkg/gates"
	"github.com/skillforge/executor/pkg/skill"
	"github.com/skillforge/executor/pkg/statestore"
	"github.com/skillforge/executor/pkg/taskstate"
)

const inferContract = `
name: schema-infer
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
  allowed_intermediate_states: [input_required]
  max_turns: 8
  supports_resume: true
state_persistence_level: facts_only
`

type inferSkill struct{}

func (inferSkill) Invoke(ctx context.Context, h *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	if _, ok := inputs["source_type"]; !ok {
		return &skill.Output{InputRequired: &skill.InputRequest{MissingFields: []string{"source_type"}}}, nil
	}
	return &skill.Output{Fields: map[string]any{"inferred": inputs["source_type"]}}, nil
}

type delegatingSkill struct{}

func (delegatingSkill) Invoke(ctx context.Context, h *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	return &skill.Output{Fields: map[string]any{"ok": true}}, nil
}

func newTestAdapter(t *testing.T, routerEnabled bool) (*Adapter, statestore.Store) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema-infer.yaml"), []byte(inferContract), 0o644))
	reg, err := contracts.Load(dir)
	require.NoError(t, err)

	store, err := statestore.NewEmbedded(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	artifacts := artifactstore.New(t.TempDir())
	skills := skill.NewRegistry()
	skills.Register("schema-infer", inferSkill{})

	adv := advisor.New(reg)
	stack := gates.NewStack(gates.NewArtifactGate())
	exec := executor.New(reg, skills, store, artifacts, adv, stack)

	return New(exec, store, routerEnabled), store
}

func TestAdapter_InputRequiredThenResume(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdapter(t, false)

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "job-1", false, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.InputRequired, resp.State)
	assert.NotEmpty(t, resp.Metadata.ResumeToken)

	resp2, err := a.Invoke(ctx, "schema-infer", map[string]any{"source_type": "TYPE_A"}, "job-1", true, resp.Metadata.ResumeToken, "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.Completed, resp2.State)
	assert.Equal(t, "TYPE_A", resp2.Outputs["inferred"])
}

func TestAdapter_StaleResumeTokenBlocks(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdapter(t, false)

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "job-2", false, "", "", "")
	require.NoError(t, err)
	staleToken := resp.Metadata.ResumeToken

	resp2, err := a.Invoke(ctx, "schema-infer", map[string]any{"source_type": "TYPE_B"}, "job-2", true, staleToken, "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.Completed, resp2.State)

	// Reusing the now-stale token must be rejected.
	resp3, err := a.Invoke(ctx, "schema-infer", map[string]any{"source_type": "TYPE_C"}, "job-2", true, staleToken, "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.Blocked, resp3.State)
	assert.Contains(t, resp3.Errors[0], "state_conflict")
}

func TestAdapter_PocketFactsInjectedOnResume(t *testing.T) {
	ctx := context.Background()
	a, store := newTestAdapter(t, false)

	require.NoError(t, store.PutFact(ctx, &statestore.Fact{
		CorrelationID: "job-3", Bucket: "schema-infer", Key: "source_type",
		Value: map[string]any{"value": "FROM_FACTS"}, Timestamp: time.Now(),
	}))

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "job-3", false, "", "", "")
	require.NoError(t, err)
	require.Equal(t, taskstate.InputRequired, resp.State)

	resp2, err := a.Invoke(ctx, "schema-infer", map[string]any{}, "job-3", true, resp.Metadata.ResumeToken, "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.Completed, resp2.State)
}

func TestAdapter_DelegatingDemotedWhenRouterDisabled(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAdapter(t, false)
	a.Executor.Skills.Register("schema-infer", delegatingSkill{})

	resp, err := a.Invoke(ctx, "schema-infer", map[string]any{"source_type": "X"}, "job-4", false, "", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, taskstate.Delegating, resp.State)
}
