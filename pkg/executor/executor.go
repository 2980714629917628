// Package executor implements the Skill Executor: the deterministic
// pipeline controller that resolves a skill's contract, runs its
// pre-gates, invokes it under a hard timeout, validates advisor output,
// runs post-gates, persists artifacts, and advances the correlation
// context under optimistic concurrency.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillforge/executor/pkg/advisor"
	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/contracts"
	"github.com/skillforge/executor/pkg/gates"
	"github.com/skillforge/executor/pkg/logging"
	"github.com/skillforge/executor/pkg/skill"
	"github.com/skillforge/executor/pkg/statestore"
	"github.com/skillforge/executor/pkg/taskstate"
)

// Status mirrors taskstate.State for the subset of outcomes the Executor
// itself can produce (the Adapter layers delegating/paused on top).
type Status = taskstate.State

// ExecutionResult is the Executor's per-invocation return value.
type ExecutionResult struct {
	Status           Status
	Outputs          map[string]any
	Errors           []string
	ArtifactsWritten []string
	InputRequest     *skill.InputRequest
	NewVersion       int64
	Turn             int
	ResumeToken      string
}

// casRetries bounds how many times the Executor retries a conflicting
// context write before surfacing a state_conflict to the caller.
const casRetries = 2

// LearningEmitter is called after a successful invocation of a
// designated learning-producer skill (the two implementation skills, or
// a successful fix). Its content is skill-specific; the Executor only
// knows to call it.
type LearningEmitter func(ctx context.Context, correlationID, skillName string, outputs map[string]any) error

// Executor wires together the Registry, the State Store, the Gate Stack,
// and the Advisor Validator behind a single dispatch entry point.
type Executor struct {
	Registry        *contracts.Registry
	Skills          *skill.Registry
	Store           statestore.Store
	Artifacts       *artifactstore.Store
	Advisor         *advisor.Validator
	GateStack       *gates.Stack
	Logger          *slog.Logger
	DefaultMaxTurns int

	// Telemetry records RED metrics and a trace span around each skill
	// invocation. Left nil, Execute runs with tracing disabled.
	Telemetry *logging.Provider

	// LearningProducers names the skills whose successful completion
	// should trigger Emitter.
	LearningProducers map[string]bool
	Emitter           LearningEmitter
}

// WithTelemetry attaches an observability Provider, returning the
// Executor for chaining.
func (e *Executor) WithTelemetry(p *logging.Provider) *Executor {
	e.Telemetry = p
	return e
}

// New constructs an Executor from its component dependencies.
func New(registry *contracts.Registry, skills *skill.Registry, store statestore.Store,
	artifacts *artifactstore.Store, adv *advisor.Validator, gateStack *gates.Stack) *Executor {
	return &Executor{
		Registry:        registry,
		Skills:          skills,
		Store:           store,
		Artifacts:       artifacts,
		Advisor:         adv,
		GateStack:       gateStack,
		Logger:          slog.Default().With("component", "executor"),
		DefaultMaxTurns: 8,
	}
}

// Execute dispatches a single skill invocation, implementing the
// algorithm described for the Skill Executor: resolve, load-or-create,
// dedupe, pre-gates, invoke under timeout, advisor validate, post-gates,
// persist, advance context, return.
// artifactDirOverride, when non-empty, replaces the flat
// Artifacts.Dir(correlationID) path with an iteration-scoped directory
// (e.g. one produced by artifactstore.Store.FixIterationDir) so a
// driver like the Bounded Fix Loop can keep each iteration's artifacts
// from clobbering the last. An empty override is the common case: a
// plain, non-iterated invocation writing to the correlation id's flat
// artifact directory.
func (e *Executor) Execute(ctx context.Context, skillName string, inputs map[string]any, correlationID, messageID, artifactDirOverride string) (*ExecutionResult, error) {
	// 1. Resolve contract; reject unknown skills.
	contract, err := e.Registry.Get(skillName)
	if err != nil {
		return nil, fmt.Errorf("contract_error: %w", err)
	}
	impl, ok := e.Skills.Get(skillName)
	if !ok {
		return nil, fmt.Errorf("contract_error: no implementation registered for skill %q", skillName)
	}

	// 2. Load or create context; refuse if current_turn >= max_turns.
	maxTurns := contract.InteractionOutcomes.MaxTurns
	if maxTurns == 0 {
		maxTurns = e.DefaultMaxTurns
	}
	c, err := e.loadOrCreateContext(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("backend_unavailable: %w", err)
	}
	if c.CurrentTurn >= maxTurns {
		c.TaskState = statestore.TaskState(taskstate.Escalated)
		if _, err := e.advanceContext(ctx, c, c.ContextVersion, ""); err != nil {
			return nil, err
		}
		return &ExecutionResult{Status: taskstate.Escalated, Errors: []string{"turn budget exhausted"}}, nil
	}

	// 3. Snapshot inputs; dedupe on message_id.
	artifactDir := e.Artifacts.Dir(correlationID)
	if artifactDirOverride != "" {
		artifactDir = artifactDirOverride
	}
	if err := e.Artifacts.WriteRequestSnapshot(artifactDir, correlationID, skillName, inputs); err != nil {
		return nil, fmt.Errorf("gate_error: %w", err)
	}
	if messageID != "" {
		if err := e.Store.RecordMessage(ctx, correlationID, messageID); err != nil {
			if errors.Is(err, statestore.ErrDuplicateMessage) {
				prior, getErr := e.Store.GetLastResult(ctx, correlationID, messageID)
				if getErr != nil {
					return nil, fmt.Errorf("backend_unavailable: %w", getErr)
				}
				return &ExecutionResult{Status: taskstate.Completed, Outputs: prior}, nil
			}
			return nil, fmt.Errorf("backend_unavailable: %w", err)
		}
	}

	// 4. Pre-gates.
	if reasons, failed := e.runPreGates(contract, artifactDir, c); failed {
		return e.finishFailed(ctx, c, "gate_error", reasons, artifactDir)
	}

	// 5. Invoke under hard timeout.
	timeout := time.Duration(contract.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var telemetryDone func(error)
	if e.Telemetry != nil {
		invokeCtx, telemetryDone = e.Telemetry.TrackInvocation(invokeCtx, skillName)
	}

	depHandle := skill.NewExecutorHandle(correlationID, contract.DependsOn, func(innerCtx context.Context, depName string, depInputs map[string]any) (*skill.Output, error) {
		res, err := e.Execute(innerCtx, depName, depInputs, correlationID, "", artifactDirOverride)
		if err != nil {
			return nil, err
		}
		return &skill.Output{Fields: res.Outputs}, nil
	}).WithArtifactDir(artifactDir)

	out, invokeErr := impl.Invoke(invokeCtx, depHandle, inputs)
	if invokeCtx.Err() != nil {
		if telemetryDone != nil {
			telemetryDone(invokeCtx.Err())
		}
		c.CurrentTurn++
		if _, err := e.advanceContext(ctx, c, c.ContextVersion, ""); err != nil {
			return nil, err
		}
		return &ExecutionResult{Status: taskstate.Timeout, Errors: []string{"skill invocation timed out"}}, nil
	}
	if invokeErr != nil {
		if telemetryDone != nil {
			telemetryDone(invokeErr)
		}
		return e.finishFailed(ctx, c, "skill_internal_error", []string{invokeErr.Error()}, artifactDir)
	}
	if telemetryDone != nil {
		telemetryDone(nil)
	}

	// Edge case: skill legitimately needs more input.
	if out.InputRequired != nil {
		return e.finishInputRequired(ctx, c, out.InputRequired)
	}

	// 6. Advisor Validator for hybrid/advisor_only skills; a direct output
	// schema check for deterministic ones, which never pass through the
	// advisor but still declare an output_schema the contract must honor.
	if contract.EngagesAdvisor() {
		allowPatterns, _ := loadAllowlistPatterns(e.Artifacts, artifactDir)
		advRes, err := e.Advisor.Validate(skillName, out, advisor.Options{AllowlistPatterns: allowPatterns})
		if err != nil {
			return nil, fmt.Errorf("gate_error: %w", err)
		}
		if !advRes.Pass {
			return e.finishFailed(ctx, c, "validation_error", advRes.Reasons, artifactDir)
		}
	} else if err := e.Registry.ValidateOutput(skillName, out.Fields); err != nil {
		return e.finishFailed(ctx, c, "validation_error", []string{err.Error()}, artifactDir)
	}

	// 7. Persist the skill's own declared output artifacts (emitted_code.txt,
	// trace_map.json) before the post-gates run: Sync-Compat must be able to
	// scan emitted source on disk, and Trace-Map must be able to read
	// trace_map.json, rather than a directory that won't contain either
	// until after the gates have already passed judgment on it.
	written, err := e.persistOutputArtifacts(artifactDir, out)
	if err != nil {
		return nil, fmt.Errorf("gate_error: %w", err)
	}

	// 8. Post-gates.
	requiredArtifacts := make([]gates.RequiredArtifact, 0, len(contract.RequiredArtifacts))
	for _, a := range contract.RequiredArtifacts {
		requiredArtifacts = append(requiredArtifacts, gates.RequiredArtifact{Name: a.Name, Type: a.Type})
	}
	report := e.GateStack.Run(&gates.RunContext{
		CorrelationID:     correlationID,
		ArtifactsDir:      artifactDir,
		ChangedFiles:      out.ChangedFiles,
		RequiredArtifacts: requiredArtifacts,
	}, nil)
	if err := gates.WriteValidationLog(artifactDir, report); err != nil {
		e.Logger.WarnContext(ctx, "failed to write validation log", "error", err)
	}
	if !report.Pass {
		var reasons []string
		for _, res := range report.Results {
			reasons = append(reasons, res.Reasons...)
		}
		return e.finishFailed(ctx, c, "gate_error", reasons, artifactDir)
	}

	// 9. Learning-producer emission.
	if e.LearningProducers[skillName] && e.Emitter != nil {
		if err := e.Emitter(ctx, correlationID, skillName, out.Fields); err != nil {
			e.Logger.WarnContext(ctx, "learning emitter failed", "skill", skillName, "error", err)
		}
	}

	// 10. Advance context.
	c.CurrentTurn++
	c.TaskState = statestore.TaskState(taskstate.Completed)
	c.AgentStateDetail = ""
	c.ResumeToken = ""
	newVersion, err := e.advanceContext(ctx, c, c.ContextVersion, "")
	if err != nil {
		return nil, err
	}

	if messageID != "" {
		if err := e.Store.PutLastResult(ctx, correlationID, messageID, out.Fields); err != nil {
			e.Logger.WarnContext(ctx, "failed to persist dedupe result", "error", err)
		}
	}
	if contract.StatePersistence == contracts.PersistFullEvents {
		_ = e.Store.AppendEvent(ctx, &statestore.Event{
			CorrelationID: correlationID, EventType: "skill_completed",
			Payload: out.Fields, TurnNumber: c.CurrentTurn, MessageID: messageID,
		})
	}

	return &ExecutionResult{
		Status: taskstate.Completed, Outputs: out.Fields, ArtifactsWritten: written,
		NewVersion: newVersion, Turn: c.CurrentTurn,
	}, nil
}

func (e *Executor) loadOrCreateContext(ctx context.Context, correlationID string) (*statestore.Context, error) {
	c, err := e.Store.GetContext(ctx, correlationID)
	if errors.Is(err, statestore.ErrContextNotFound) {
		c = &statestore.Context{
			CorrelationID: correlationID,
			CurrentTurn:   0,
			TaskState:     statestore.TaskState(taskstate.InputRequired),
		}
		// Version 0 signals "not yet created" to PutContext; a fresh
		// context is materialized lazily on the first successful advance.
		return c, nil
	}
	return c, err
}

// advanceContext writes c with CAS, retrying on conflict up to
// casRetries times by reloading and re-applying the same target state.
func (e *Executor) advanceContext(ctx context.Context, c *statestore.Context, expectedVersion int64, resumeToken string) (int64, error) {
	c.ResumeToken = resumeToken
	attempt := 0
	for {
		v, err := e.Store.PutContext(ctx, c, expectedVersion)
		if err == nil {
			c.ContextVersion = v
			return v, nil
		}
		if !errors.Is(err, statestore.ErrVersionConflict) || attempt >= casRetries {
			return 0, fmt.Errorf("state_conflict: %w", err)
		}
		attempt++
		fresh, getErr := e.Store.GetContext(ctx, c.CorrelationID)
		if getErr != nil {
			return 0, fmt.Errorf("backend_unavailable: %w", getErr)
		}
		expectedVersion = fresh.ContextVersion
	}
}

func (e *Executor) runPreGates(contract *contracts.Contract, artifactDir string, c *statestore.Context) ([]string, bool) {
	if contract.RequiresAllowlist() && e.Artifacts.Exists(artifactDir, "allowlist.json") {
		rc := &gates.RunContext{ArtifactsDir: artifactDir, CorrelationID: c.CorrelationID}
		res := gates.NewScopeGate().Run(rc)
		if !res.Pass {
			return res.Reasons, true
		}
	}
	return nil, false
}

func (e *Executor) finishFailed(ctx context.Context, c *statestore.Context, kind string, reasons []string, artifactDir string) (*ExecutionResult, error) {
	c.TaskState = statestore.TaskState(taskstate.Failed)
	c.CurrentTurn++
	newVersion, err := e.advanceContext(ctx, c, c.ContextVersion, "")
	if err != nil {
		return nil, err
	}
	tagged := make([]string, 0, len(reasons))
	for _, r := range reasons {
		tagged = append(tagged, fmt.Sprintf("%s: %s", kind, r))
	}
	return &ExecutionResult{Status: taskstate.Failed, Errors: tagged, NewVersion: newVersion, Turn: c.CurrentTurn}, nil
}

func (e *Executor) finishInputRequired(ctx context.Context, c *statestore.Context, req *skill.InputRequest) (*ExecutionResult, error) {
	c.TaskState = statestore.TaskState(taskstate.InputRequired)
	c.AgentStateDetail = statestore.DetailInputRequired
	payload := map[string]any{"missing_fields": req.MissingFields}
	if req.Schema != nil {
		payload["schema"] = req.Schema
	}
	c.InputRequestPayload = payload
	c.CurrentTurn++

	// The resume token must reflect the exact version this write will
	// produce, so it is generated and persisted in the same CAS write
	// rather than a follow-up one (which would race the version it names).
	expectedNextVersion := c.ContextVersion + 1
	token := e.Store.GenerateResumeToken(c.CorrelationID, expectedNextVersion, c.CurrentTurn)
	newVersion, err := e.advanceContext(ctx, c, c.ContextVersion, token)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{
		Status: taskstate.InputRequired, InputRequest: req,
		NewVersion: newVersion, Turn: c.CurrentTurn, ResumeToken: token,
	}, nil
}

func (e *Executor) persistOutputArtifacts(dir string, out *skill.Output) ([]string, error) {
	var written []string
	if out.EmittedCode != "" {
		if err := e.Artifacts.WriteFile(dir, "emitted_code.txt", []byte(out.EmittedCode)); err != nil {
			return nil, err
		}
		written = append(written, "emitted_code.txt")
	}
	if out.TraceMap != nil {
		raw, err := json.Marshal(out.TraceMap)
		if err != nil {
			return nil, fmt.Errorf("marshal trace map: %w", err)
		}
		if err := e.Artifacts.WriteFile(dir, "trace_map.json", raw); err != nil {
			return nil, err
		}
		written = append(written, "trace_map.json")
	}
	return written, nil
}

func loadAllowlistPatterns(store *artifactstore.Store, dir string) ([]string, error) {
	raw, err := store.ReadFile(dir, "allowlist.json")
	if err != nil {
		return nil, nil
	}
	var doc struct {
		Patterns []string `json:"patterns"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc.Patterns, nil
}
