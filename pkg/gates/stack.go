package gates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Stack orchestrates the Gate Stack: it runs a fixed set of gates over a
// RunContext, aggregates their results, and writes the structured
// validation_logs.txt artifact the Executor and the caller both rely on.
type Stack struct {
	gates []Gate
	clock func() time.Time
}

// NewStack builds a Gate Stack from an explicit, ordered gate list.
func NewStack(gs ...Gate) *Stack {
	return &Stack{gates: gs, clock: time.Now}
}

// DefaultStack returns the four gates in their natural evaluation order.
func DefaultStack() *Stack {
	return NewStack(NewScopeGate(), NewTraceMapGate(nil), NewSyncCompatGate(nil), NewArtifactGate())
}

// WithClock overrides the stack's clock, for deterministic tests.
func (s *Stack) WithClock(clock func() time.Time) *Stack {
	s.clock = clock
	return s
}

// Report aggregates every gate's Result for a single invocation.
type Report struct {
	CorrelationID string             `json:"correlation_id"`
	Pass          bool               `json:"pass"`
	Results       map[string]*Result `json:"results"`
	RunAt         time.Time          `json:"run_at"`
}

// RunOpts selects which of the stack's gates actually execute; skipped
// gates are omitted from the report entirely, matching the CLI surface's
// `--skip-<gate>` flags.
type RunOpts struct {
	Skip map[string]bool
}

// Run executes every non-skipped gate in order and returns the aggregate
// report. All gates run regardless of earlier failures: failures
// accumulate rather than short-circuit.
func (s *Stack) Run(rc *RunContext, opts *RunOpts) *Report {
	if rc.Clock == nil {
		rc.Clock = s.clock
	}
	report := &Report{
		CorrelationID: rc.CorrelationID,
		Pass:          true,
		Results:       map[string]*Result{},
		RunAt:         rc.Clock(),
	}
	for _, g := range s.gates {
		if opts != nil && opts.Skip[g.ID()] {
			continue
		}
		res := g.Run(rc)
		report.Results[g.ID()] = res
		if !res.Pass {
			report.Pass = false
		}
	}
	return report
}

// WriteValidationLog renders the report as the line-oriented
// validation_logs.txt artifact: one structured line per gate,
// human-readable but grep-able.
func WriteValidationLog(dir string, report *Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run_at=%s correlation_id=%s overall_pass=%t\n",
		report.RunAt.Format(time.RFC3339), report.CorrelationID, report.Pass)
	for _, g := range orderedGateIDs(report.Results) {
		res := report.Results[g]
		fmt.Fprintf(&b, "gate=%s pass=%t duration_ms=%d reasons=%s\n",
			res.GateID, res.Pass, res.DurationMs, strings.Join(res.Reasons, ","))
		for _, f := range res.Findings {
			fmt.Fprintf(&b, "  finding gate=%s path=%s line=%d reason=%s remediation=%q\n",
				res.GateID, f.Path, f.Line, f.Reason, f.Remediation)
		}
	}
	return os.WriteFile(filepath.Join(dir, "validation_logs.txt"), []byte(b.String()), 0o644)
}

func orderedGateIDs(results map[string]*Result) []string {
	order := []string{"scope", "trace_map", "sync_compat", "artifact"}
	var out []string
	for _, id := range order {
		if _, ok := results[id]; ok {
			out = append(out, id)
		}
	}
	for id := range results {
		found := false
		for _, o := range out {
			if o == id {
				found = true
				break
			}
		}
		if !found {
			out = append(out, id)
		}
	}
	return out
}
