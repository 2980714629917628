package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/skillforge/executor/pkg/gates"
)

// multiFlag allows a repeatable flag value (e.g. --field a --field b).
type multiFlag []string

func (f *multiFlag) String() string { return strings.Join(*f, ",") }
func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

// runGateCmd implements `skillctl gate <name> <dir>`.
//
// Exit codes:
//
//	0 = gate passed
//	1 = gate failed
//	2 = usage or internal error
func runGateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: skillctl gate <scope|trace_map|sync_compat|artifact> <artifacts-dir> [flags]")
		return 2
	}
	name, dir := args[0], args[1]
	rest := args[2:]

	cmd := flag.NewFlagSet("gate "+name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		jsonOutput bool
		fields     multiFlag
		requires   multiFlag
	)
	cmd.BoolVar(&jsonOutput, "json", false, "emit the gate result as JSON")
	cmd.Var(&fields, "field", "declared schema field requiring trace-map coverage (repeatable, trace_map gate only)")
	cmd.Var(&requires, "require", "name:type of a required artifact (repeatable, artifact gate only)")
	if err := cmd.Parse(rest); err != nil {
		return 2
	}

	var gate gates.Gate
	switch name {
	case "scope":
		gate = gates.NewScopeGate()
	case "trace_map":
		gate = gates.NewTraceMapGate([]string(fields))
	case "sync_compat":
		gate = gates.NewSyncCompatGate(nil)
	case "artifact":
		var required []gates.RequiredArtifact
		for _, r := range requires {
			parts := strings.SplitN(r, ":", 2)
			if len(parts) != 2 {
				_, _ = fmt.Fprintf(stderr, "Error: --require must be name:type, got %q\n", r)
				return 2
			}
			required = append(required, gates.RequiredArtifact{Name: parts[0], Type: parts[1]})
		}
		gate = gates.NewArtifactGate()
		rc := &gates.RunContext{ArtifactsDir: dir, RequiredArtifacts: required}
		return reportGateResult(gate.Run(rc), jsonOutput, stdout)
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown gate %q\n", name)
		return 2
	}

	res := gate.Run(&gates.RunContext{ArtifactsDir: dir})
	return reportGateResult(res, jsonOutput, stdout)
}

func reportGateResult(res *gates.Result, jsonOutput bool, stdout io.Writer) int {
	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		status := "PASS"
		if !res.Pass {
			status = "FAIL"
		}
		_, _ = fmt.Fprintf(stdout, "%s  gate=%s  duration=%dms\n", status, res.GateID, res.DurationMs)
		for _, r := range res.Reasons {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", r)
		}
	}
	if !res.Pass {
		return 1
	}
	return 0
}
