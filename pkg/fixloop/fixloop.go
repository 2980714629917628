// Package fixloop implements the Bounded Fix Loop: the specialized
// driver that alternates a fix skill and a validate skill up to a hard
// cap of iterations, escalating with a structured report when the
// validation skill never reports clean.
package fixloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skillforge/executor/pkg/agent"
	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/taskstate"
)

// MaxIterations is the hard cap on fix/validate rounds. No per-contract
// override may exceed it.
const MaxIterations = 3

// Status is the Bounded Fix Loop's own outcome vocabulary, distinct
// from taskstate.State: a loop either converges or is escalated, it
// never returns mid-flight.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusEscalated Status = "escalated"
)

// Result is what Run returns to its caller (normally the pipeline
// driver that noticed the validate skill fail in the first place).
type Result struct {
	Status     Status
	Iterations int
	LastErrors []string
}

// Loop wires a fix skill and a validate skill behind the Agent Adapter,
// and owns the iteration-scoped escalation artifact on exhaustion.
type Loop struct {
	Adapter       *agent.Adapter
	Artifacts     *artifactstore.Store
	FixSkill      string
	ValidateSkill string
	Clock         func() time.Time
}

func New(adapter *agent.Adapter, artifacts *artifactstore.Store, fixSkill, validateSkill string) *Loop {
	return &Loop{
		Adapter:       adapter,
		Artifacts:     artifacts,
		FixSkill:      fixSkill,
		ValidateSkill: validateSkill,
		Clock:         time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.Clock = clock
	return l
}

// attemptedDiff records one iteration's fix-skill patch output, kept
// around so an eventual escalation report can show every diff the loop
// tried, not just the last error set.
type attemptedDiff struct {
	Iteration int
	Patch     string
}

// Run alternates fix/validate for correlationID, starting from
// initialErrors, until validation comes back clean or MaxIterations is
// exhausted. Each iteration's fix/validate outputs are persisted under
// an iteration-scoped artifact subpath so a retried iteration never
// clobbers a prior one's evidence.
func (l *Loop) Run(ctx context.Context, correlationID string, initialErrors []string) (*Result, error) {
	currentErrors := initialErrors
	var priorState map[string]any
	var diffs []attemptedDiff

	for iteration := 1; iteration <= MaxIterations; iteration++ {
		iterDir := l.Artifacts.FixIterationDir(correlationID, iteration)

		fixInputs := map[string]any{
			"errors":      currentErrors,
			"prior_state": priorState,
			"iteration":   iteration,
		}
		fixResp, err := l.Adapter.Invoke(ctx, l.FixSkill, fixInputs, correlationID, false, "", "", iterDir)
		if err != nil {
			return nil, fmt.Errorf("fix_loop: fix skill invocation failed: %w", err)
		}
		if fixResp.State != taskstate.Completed {
			return l.escalate(ctx, correlationID, iteration, append(currentErrors, fixResp.Errors...), iterDir, diffs)
		}
		priorState = fixResp.Outputs
		if patch, ok := fixResp.Outputs["patch"].(string); ok && patch != "" {
			diffs = append(diffs, attemptedDiff{Iteration: iteration, Patch: patch})
		}

		validateInputs := map[string]any{"candidate": fixResp.Outputs, "iteration": iteration}
		validateResp, err := l.Adapter.Invoke(ctx, l.ValidateSkill, validateInputs, correlationID, false, "", "", iterDir)
		if err != nil {
			return nil, fmt.Errorf("fix_loop: validate skill invocation failed: %w", err)
		}
		if validateResp.State == taskstate.Completed && len(validateResp.Errors) == 0 {
			return &Result{Status: StatusSuccess, Iterations: iteration}, nil
		}

		currentErrors = validateResp.Errors
		if len(currentErrors) == 0 {
			currentErrors = []string{"validation reported failure with no structured errors"}
		}
	}

	return l.escalate(ctx, correlationID, MaxIterations, currentErrors, l.Artifacts.FixIterationDir(correlationID, MaxIterations), diffs)
}

func (l *Loop) escalate(ctx context.Context, correlationID string, iterations int, lastErrors []string, iterDir string, diffs []attemptedDiff) (*Result, error) {
	report := buildEscalationReport(correlationID, iterations, lastErrors, diffs, l.Clock())
	if err := l.Artifacts.WriteFile(iterDir, "escalation_report.md", []byte(report)); err != nil {
		return nil, fmt.Errorf("fix_loop: failed to write escalation report: %w", err)
	}
	return &Result{Status: StatusEscalated, Iterations: iterations, LastErrors: lastErrors}, nil
}

func buildEscalationReport(correlationID string, iterations int, lastErrors []string, diffs []attemptedDiff, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Fix Loop Escalation\n\n")
	fmt.Fprintf(&b, "correlation_id: %s\n", correlationID)
	fmt.Fprintf(&b, "iterations_attempted: %d\n", iterations)
	fmt.Fprintf(&b, "generated_at: %s\n\n", now.Format(time.RFC3339))
	b.WriteString("## Last Error Set\n\n")
	if len(lastErrors) == 0 {
		b.WriteString("(none recorded)\n")
	}
	for _, e := range lastErrors {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	b.WriteString("\n## Diffs Attempted\n\n")
	if len(diffs) == 0 {
		b.WriteString("(none recorded)\n")
	}
	for _, d := range diffs {
		fmt.Fprintf(&b, "### Iteration %d\n\n```diff\n%s\n```\n\n", d.Iteration, strings.TrimRight(d.Patch, "\n"))
	}
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "The fix/validate cycle did not converge within %d iteration(s). ", iterations)
	b.WriteString("Manual review is required before this correlation id can proceed.\n")
	return b.String()
}
