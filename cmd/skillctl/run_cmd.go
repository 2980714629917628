package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/skillforge/executor/pkg/gates"
)

// runOrchestrationCmd implements `skillctl run`: it runs the full Gate
// Stack against an already-materialized artifacts directory, the same
// checks the Executor itself would run as the post-gate step of a live
// invocation. It does not dispatch a skill; skill implementations are
// Go code registered at build time, not something a CLI invocation can
// supply.
//
// Exit codes:
//
//	0 = all gates pass
//	1 = any gate failed
//	2 = usage or internal error
func runOrchestrationCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		correlationID string
		artifactsDir  string
		jsonOutput    bool
		skip          multiFlag
	)
	cmd.StringVar(&correlationID, "correlation-id", "", "correlation id being validated (REQUIRED)")
	cmd.StringVar(&artifactsDir, "artifacts-dir", "", "artifacts directory for this correlation id (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "emit the report as JSON")
	cmd.Var(&skip, "skip", "gate id to skip (repeatable): scope, trace_map, sync_compat, artifact")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if correlationID == "" || artifactsDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --correlation-id and --artifacts-dir are required")
		return 2
	}

	skipSet := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipSet[s] = true
	}

	stack := gates.DefaultStack()
	report := stack.Run(&gates.RunContext{CorrelationID: correlationID, ArtifactsDir: artifactsDir}, &gates.RunOpts{Skip: skipSet})

	if err := gates.WriteValidationLog(artifactsDir, report); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: failed to write validation log: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report)
	}

	if !report.Pass {
		return 1
	}
	return 0
}

func printReport(w io.Writer, report *gates.Report) {
	_, _ = fmt.Fprintf(w, "correlation_id: %s\n", report.CorrelationID)
	for id, res := range report.Results {
		status := "PASS"
		if !res.Pass {
			status = "FAIL"
		}
		_, _ = fmt.Fprintf(w, "  %s  gate=%s\n", status, id)
		for _, r := range res.Reasons {
			_, _ = fmt.Fprintf(w, "    - %s\n", r)
		}
	}
	if report.Pass {
		_, _ = fmt.Fprintln(w, "Result: PASS")
	} else {
		_, _ = fmt.Fprintln(w, "Result: FAIL")
	}
}
