package gates

import (
	"os"
	"path/filepath"
	"strings"
)

// ArtifactGate verifies every artifact a contract declares required
// exists, is non-empty, and matches its declared type.
type ArtifactGate struct{}

func NewArtifactGate() *ArtifactGate { return &ArtifactGate{} }

func (g *ArtifactGate) ID() string   { return "artifact" }
func (g *ArtifactGate) Name() string { return "Artifact Completeness" }

func (g *ArtifactGate) Run(rc *RunContext) *Result {
	return timed(rc, func() *Result {
		res := &Result{GateID: g.ID(), Pass: true, Details: map[string]any{}}

		for _, req := range rc.RequiredArtifacts {
			path := filepath.Join(rc.ArtifactsDir, req.Name)
			info, err := os.Stat(path)
			if err != nil {
				res.Pass = false
				res.Reasons = append(res.Reasons, ReasonArtifactMissing)
				res.Findings = append(res.Findings, Finding{Path: req.Name, Reason: ReasonArtifactMissing})
				continue
			}
			if info.Size() == 0 {
				res.Pass = false
				res.Reasons = append(res.Reasons, ReasonArtifactEmpty)
				res.Findings = append(res.Findings, Finding{Path: req.Name, Reason: ReasonArtifactEmpty})
				continue
			}
			if req.Type != "" && !matchesDeclaredType(req.Name, req.Type) {
				res.Pass = false
				res.Reasons = append(res.Reasons, ReasonArtifactWrongType)
				res.Findings = append(res.Findings, Finding{Path: req.Name, Reason: ReasonArtifactWrongType})
			}
		}
		res.Details["required_count"] = len(rc.RequiredArtifacts)
		return res
	})
}

func matchesDeclaredType(name, declaredType string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch strings.ToLower(declaredType) {
	case "json":
		return ext == "json"
	case "text", "log":
		return ext == "txt" || ext == "log"
	case "patch", "diff":
		return ext == "patch" || ext == "diff"
	case "markdown":
		return ext == "md"
	case "any", "":
		return true
	default:
		return ext == strings.ToLower(declaredType)
	}
}
