// Command skillctl is the standalone entry point for the gate runners
// and the gate-orchestration command that exercises the same checks a
// live Executor invocation would run, against an artifacts directory
// already on disk.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: args mirrors os.Args, stdout/stderr
// let tests capture output without touching the real file descriptors.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "gate":
		return runGateCmd(args[2:], stdout, stderr)
	case "run":
		return runOrchestrationCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "skillctl - skill contract gate runner")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  skillctl gate <scope|trace_map|sync_compat|artifact> <artifacts-dir> [flags]")
	fmt.Fprintln(w, "  skillctl run --correlation-id=<id> --artifacts-dir=<dir> [--skip=<gate> ...]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 pass, 1 gate failure, 2 internal error")
}
