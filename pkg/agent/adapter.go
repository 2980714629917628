// Package agent implements the Agent Adapter: the message-oriented
// wrapper around the Skill Executor that maps its results onto the
// TaskState protocol, handles resume-token validation and pocket-fact
// injection, and fails closed on anything the runtime isn't configured
// to allow (router dispatch chief among them).
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/skillforge/executor/pkg/executor"
	"github.com/skillforge/executor/pkg/skill"
	"github.com/skillforge/executor/pkg/statestore"
	"github.com/skillforge/executor/pkg/taskstate"
)

// AgentResponse is returned to the external caller of Invoke.
type AgentResponse struct {
	State        taskstate.State
	Outputs      map[string]any
	Errors       []string
	InputRequest *skill.InputRequest
	Metadata     Metadata
}

// Metadata carries the adapter-level bookkeeping a caller needs to
// resume a non-terminal invocation.
type Metadata struct {
	AgentState  taskstate.State
	ResumeToken string
	Turn        int
	Version     int64
}

// Adapter wraps an Executor with the TaskState protocol. RouterEnabled
// gates whether a skill may legitimately produce a delegating state;
// false is the only safe default until a router exists upstream.
type Adapter struct {
	Executor      *executor.Executor
	Store         statestore.Store
	RouterEnabled bool
	Logger        *slog.Logger
}

func New(exec *executor.Executor, store statestore.Store, routerEnabled bool) *Adapter {
	return &Adapter{
		Executor:      exec,
		Store:         store,
		RouterEnabled: routerEnabled,
		Logger:        slog.Default().With("component", "agent_adapter"),
	}
}

// Invoke is the Adapter's single entry point. resume and resumeToken
// are only meaningful together: a resume with no token, or a token
// without resume=true, is treated as a fresh (non-resuming) call.
// artifactDirOverride is forwarded to Executor.Execute verbatim; pass ""
// for the default, flat correlation-id artifact directory, or an
// iteration-scoped directory for a driver like the Bounded Fix Loop.
func (a *Adapter) Invoke(ctx context.Context, skillName string, inputs map[string]any, correlationID string, resume bool, resumeToken, messageID, artifactDirOverride string) (*AgentResponse, error) {
	if resume && resumeToken != "" {
		ok, err := a.Store.ValidateResumeToken(ctx, resumeToken)
		if err != nil {
			return nil, fmt.Errorf("backend_unavailable: %w", err)
		}
		if !ok {
			return &AgentResponse{
				State:  taskstate.Blocked,
				Errors: []string{"state_conflict: resume token is stale or unknown"},
				Metadata: Metadata{AgentState: taskstate.Blocked},
			}, nil
		}

		merged, err := a.mergePocketFacts(ctx, correlationID, skillName, inputs)
		if err != nil {
			return nil, fmt.Errorf("backend_unavailable: %w", err)
		}
		inputs = merged
	}

	res, err := a.Executor.Execute(ctx, skillName, inputs, correlationID, messageID, artifactDirOverride)
	if err != nil {
		return nil, err
	}

	state := res.Status
	if state == taskstate.Delegating && !a.RouterEnabled {
		a.Logger.WarnContext(ctx, "skill produced delegating with router disabled; demoting to blocked",
			"skill", skillName, "correlation_id", correlationID)
		state = taskstate.Blocked
		res.Errors = append(res.Errors, "policy_error: delegating is disabled (router_enabled=false)")
	}

	return &AgentResponse{
		State:        state,
		Outputs:      res.Outputs,
		Errors:       res.Errors,
		InputRequest: res.InputRequest,
		Metadata: Metadata{
			AgentState:  state,
			ResumeToken: res.ResumeToken,
			Turn:        res.Turn,
			Version:     res.NewVersion,
		},
	}, nil
}

// mergePocketFacts shallow-merges every live fact in the skill's own
// bucket into inputs, with caller-supplied keys taking precedence. The
// bucket is scoped to the skill name: each skill only ever sees facts
// it (or an earlier turn of itself) previously wrote.
func (a *Adapter) mergePocketFacts(ctx context.Context, correlationID, skillName string, inputs map[string]any) (map[string]any, error) {
	facts, err := a.Store.GetFacts(ctx, correlationID, skillName)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return inputs, nil
	}
	merged := make(map[string]any, len(facts)+len(inputs))
	for _, f := range facts {
		merged[f.Key] = f.Value
	}
	for k, v := range inputs {
		merged[k] = v
	}
	return merged, nil
}
