package gates

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// forbiddenConstruct pairs a detection pattern with the remediation text
// surfaced in the gate's structured finding.
type forbiddenConstruct struct {
	pattern     *regexp.Regexp
	label       string
	remediation string
}

var forbiddenConstructs = []forbiddenConstruct{
	{regexp.MustCompile(`\basync\s+(def|function)\b`), "async_function_declaration", "declare a plain synchronous function"},
	{regexp.MustCompile(`\bawait\b`), "awaitable_primitive", "skills run to completion synchronously; remove await"},
	{regexp.MustCompile(`\basyncio\b`), "async_runtime", "asyncio-style event loops are forbidden in emitted skills"},
	{regexp.MustCompile(`\bPromise\s*\(`), "async_http_client", "use a blocking client with an explicit timeout"},
	{regexp.MustCompile(`fetch\s*\([^)]*\)\s*(?:;|$)`), "timeoutless_network_call", "every outbound call must carry an explicit timeout"},
	{regexp.MustCompile(`\bgo\s+func\s*\([^)]*\)\s*\{`), "unjoined_background_task", "spawned goroutines must be joined (WaitGroup/channel) before return"},
	{regexp.MustCompile(`\bsetTimeout\s*\(`), "background_timer", "background timers are forbidden outside the turn boundary"},
}

// SyncCompatGate scans emitted source for constructs that would make a
// skill suspend mid-execution instead of returning a plain value at a
// turn boundary, per the design note rewriting "async-looking but
// synchronous" APIs into synchronous callables.
type SyncCompatGate struct {
	// Files to scan; when nil, every regular file under ArtifactsDir is
	// scanned except known non-source artifacts.
	Files []string
}

func NewSyncCompatGate(files []string) *SyncCompatGate {
	return &SyncCompatGate{Files: files}
}

func (g *SyncCompatGate) ID() string   { return "sync_compat" }
func (g *SyncCompatGate) Name() string { return "Sync-Compat" }

// nonSourceArtifacts excludes the runtime's own bookkeeping files from the
// scan. diff.patch is deliberately NOT here: for an implement-autonomy
// skill like node-fix, the unified diff is the only emitted source the
// runtime ever sees, and it must be scanned like any other emitted file.
var nonSourceArtifacts = map[string]bool{
	"request_snapshot.json": true, "allowlist.json": true, "trace_map.json": true,
	"validation_logs.txt": true, "escalation_report.md": true,
}

func (g *SyncCompatGate) Run(rc *RunContext) *Result {
	return timed(rc, func() *Result {
		res := &Result{GateID: g.ID(), Pass: true, Details: map[string]any{}}

		files := g.Files
		if files == nil {
			var err error
			files, err = discoverSourceFiles(rc.ArtifactsDir)
			if err != nil {
				res.Pass = false
				res.Reasons = append(res.Reasons, fmt.Sprintf("cannot enumerate artifacts dir: %v", err))
				return res
			}
		}

		for _, path := range files {
			findings := scanFileForForbiddenConstructs(path)
			if len(findings) > 0 {
				res.Pass = false
				res.Findings = append(res.Findings, findings...)
				res.Reasons = append(res.Reasons, ReasonForbiddenConstruct)
			}
		}
		res.Details["files_scanned"] = len(files)
		return res
	})
}

func discoverSourceFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if nonSourceArtifacts[filepath.Base(path)] {
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

func scanFileForForbiddenConstructs(path string) []Finding {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var findings []Finding
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, fc := range forbiddenConstructs {
			if fc.pattern.MatchString(line) {
				findings = append(findings, Finding{
					Path: path, Line: lineNo, Pattern: fc.label,
					Remediation: fc.remediation, Reason: ReasonForbiddenConstruct,
				})
			}
		}
	}
	return findings
}

// ScanSourceForForbiddenConstructs exposes the per-file scan for the
// Advisor Validator, which checks in-memory emitted code rather than
// files already on disk.
func ScanSourceForForbiddenConstructs(source string) []Finding {
	var findings []Finding
	for lineNo, line := range strings.Split(source, "\n") {
		for _, fc := range forbiddenConstructs {
			if fc.pattern.MatchString(line) {
				findings = append(findings, Finding{
					Line: lineNo + 1, Pattern: fc.label,
					Remediation: fc.remediation, Reason: ReasonForbiddenConstruct,
				})
			}
		}
	}
	return findings
}
