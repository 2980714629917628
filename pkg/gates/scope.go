package gates

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// denylistPatterns are hardcoded and cannot be overridden by any contract
// or allowlist.json: shared infrastructure that no single-skill scope
// should ever touch.
var denylistPatterns = []string{
	"**/base.py",
	"**/base.*",
	"**/registry.py",
	"**/registry.*",
	"**/*requirements*.txt",
	"**/go.mod",
	"**/go.sum",
	"**/package.json",
	"**/package-lock.json",
}

// ScopeGate verifies every changed file matches at least one allowlist
// glob and none match the hardcoded deny-list. Glob semantics follow
// doublestar: `**` matches zero or more path segments, a lone `*` does
// not cross a `/`.
type ScopeGate struct{}

func NewScopeGate() *ScopeGate { return &ScopeGate{} }

func (g *ScopeGate) ID() string   { return "scope" }
func (g *ScopeGate) Name() string { return "Scope" }

func (g *ScopeGate) Run(rc *RunContext) *Result {
	return timed(rc, func() *Result {
		res := &Result{GateID: g.ID(), Pass: true, Details: map[string]any{}}

		changed := rc.ChangedFiles
		if changed == nil {
			var err error
			changed, err = changedFilesFromDiff(filepath.Join(rc.ArtifactsDir, "diff.patch"))
			if err != nil {
				res.Pass = false
				res.Reasons = append(res.Reasons, fmt.Sprintf("unreadable diff.patch: %v", err))
				return res
			}
		}
		if len(changed) == 0 {
			return res
		}

		patterns, err := loadAllowlist(filepath.Join(rc.ArtifactsDir, "allowlist.json"))
		if err != nil {
			res.Pass = false
			res.Reasons = append(res.Reasons, ReasonAllowlistMissing)
			res.Findings = append(res.Findings, Finding{Reason: ReasonAllowlistMissing, Remediation: err.Error()})
			return res
		}

		for _, path := range changed {
			clean := filepath.ToSlash(path)
			for _, deny := range denylistPatterns {
				if ok, _ := doublestar.Match(deny, clean); ok {
					res.Pass = false
					res.Reasons = append(res.Reasons, ReasonFileDenylisted)
					res.Findings = append(res.Findings, Finding{
						Path: path, Pattern: deny, Reason: ReasonFileDenylisted,
						Remediation: "shared infrastructure paths may not be modified by a skill",
					})
				}
			}
			matched := false
			for _, pat := range patterns {
				if ok, _ := doublestar.Match(pat, clean); ok {
					matched = true
					break
				}
			}
			if !matched {
				res.Pass = false
				res.Reasons = append(res.Reasons, ReasonFileNotAllowlisted)
				res.Findings = append(res.Findings, Finding{
					Path: path, Reason: ReasonFileNotAllowlisted,
					Remediation: "add a matching glob to allowlist.json or remove the write",
				})
			}
		}
		res.Details["changed_file_count"] = len(changed)
		return res
	})
}

type allowlistDoc struct {
	Patterns []string `json:"patterns"`
}

func loadAllowlist(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc allowlistDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse allowlist.json: %w", err)
	}
	return doc.Patterns, nil
}

// changedFilesFromDiff extracts the "b/" side paths from a unified diff's
// `+++` headers.
func changedFilesFromDiff(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var files []string
	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		p := strings.TrimPrefix(line, "+++ ")
		p = strings.TrimPrefix(p, "b/")
		p = strings.TrimSuffix(p, "\t")
		if p == "" || p == "/dev/null" {
			continue
		}
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	return files, scanner.Err()
}
