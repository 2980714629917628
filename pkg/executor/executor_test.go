package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/executor/pkg/advisor"
	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/contracts"
	"github.com/skillforge/executor/pkg/gates"
	"github.com/skillforge/executor/pkg/skill"
	"github.com/skillforge/executor/pkg/statestore"
	"github.com/skillforge/executor/pkg/taskstate"
)

const normalizeContract = `
name: node-normalize
version: "1.0.0"
execution_mode: deterministic
autonomy_level: read
side_effects: []
timeout_seconds: 30
max_fix_iterations: 0
idempotency_required: true
sync_constraints: {}
input_schema:
  type: object
  required: [name]
output_schema:
  type: object
  required: [normalized]
required_artifacts: []
failure_modes: [parse_error]
depends_on: []
interaction_outcomes:
  allowed_intermediate_states: []
  max_turns: 8
  supports_resume: false
state_persistence_level: none
`

const schemaInferContract = `
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

type normalizeSkill struct{}

func (normalizeSkill) Invoke(ctx context.Context, h *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	name, _ := inputs["name"].(string)
	return &skill.Output{Fields: map[string]any{"normalized": strings.ToLower(name)}}, nil
}

type schemaInferSkill struct{}

func (schemaInferSkill) Invoke(ctx context.Context, h *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	if _, ok := inputs["parsed_sections"]; !ok {
		return &skill.Output{InputRequired: &skill.InputRequest{MissingFields: []string{"parsed_sections", "source_type"}}}, nil
	}
	return &skill.Output{Fields: map[string]any{"schema": map[string]any{"type": inputs["source_type"]}}}, nil
}

func newTestExecutor(t *testing.T, contractYAML, name string) (*Executor, skill.Skill) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(contractYAML), 0o644))
	reg, err := contracts.Load(dir)
	require.NoError(t, err)

	store, err := statestore.NewEmbedded(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	artifacts := artifactstore.New(t.TempDir())
	skills := skill.NewRegistry()

	var impl skill.Skill
	switch name {
	case "node-normalize":
		impl = normalizeSkill{}
	case "schema-infer":
		impl = schemaInferSkill{}
	}
	skills.Register(name, impl)

	adv := advisor.New(reg)
	stack := gates.NewStack(gates.NewArtifactGate())

	return New(reg, skills, store, artifacts, adv, stack), impl
}

func TestExecute_StraightThroughSuccess(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t, normalizeContract, "node-normalize")

	res, err := e.Execute(ctx, "node-normalize", map[string]any{"name": "MyNode"}, "job-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.Completed, res.Status)
	assert.Equal(t, "mynode", res.Outputs["normalized"])
	assert.Equal(t, 2, res.Turn)
	assert.EqualValues(t, 2, res.NewVersion)
	assert.Empty(t, res.ResumeToken)
}

func TestExecute_UnknownSkill(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t, normalizeContract, "node-normalize")

	_, err := e.Execute(ctx, "does-not-exist", nil, "job-1", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract_error")
}

func TestExecute_MultiTurnInputRequired(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t, schemaInferContract, "schema-infer")

	res, err := e.Execute(ctx, "schema-infer", map[string]any{}, "job-x", "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.InputRequired, res.Status)
	assert.ElementsMatch(t, []string{"parsed_sections", "source_type"}, res.InputRequest.MissingFields)
	assert.NotEmpty(t, res.ResumeToken)

	ok, err := e.Store.ValidateResumeToken(ctx, res.ResumeToken)
	require.NoError(t, err)
	assert.True(t, ok)

	res2, err := e.Execute(ctx, "schema-infer", map[string]any{"parsed_sections": map[string]any{}, "source_type": "TYPE1"}, "job-x", "", "")
	require.NoError(t, err)
	assert.Equal(t, taskstate.Completed, res2.Status)
	assert.Equal(t, 3, res2.Turn)
}

func TestExecute_DedupReplay(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t, normalizeContract, "node-normalize")

	res1, err := e.Execute(ctx, "node-normalize", map[string]any{"name": "A"}, "job-dedupe", "msg-1", "")
	require.NoError(t, err)

	res2, err := e.Execute(ctx, "node-normalize", map[string]any{"name": "A"}, "job-dedupe", "msg-1", "")
	require.NoError(t, err)
	assert.Equal(t, res1.Outputs, res2.Outputs)
}

func TestExecute_TurnBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestExecutor(t, normalizeContract, "node-normalize")

	var last *ExecutionResult
	for i := 0; i < 9; i++ {
		var err error
		last, err = e.Execute(ctx, "node-normalize", map[string]any{"name": "A"}, "job-budget", "", "")
		require.NoError(t, err)
	}
	assert.Equal(t, taskstate.Escalated, last.Status)
}
