// Package demoskills provides reference Skill implementations for the
// contracts checked in under contracts/. They exist to give the
// Registry → Executor → Adapter → FixLoop pipeline something concrete to
// run end to end; production deployments register their own skills in
// their place.
package demoskills

import (
	"context"
	"fmt"
	"strings"

	"github.com/skillforge/executor/pkg/artifactstore"
	"github.com/skillforge/executor/pkg/skill"
)

// NodeFix implements the "node-fix" contract: given a set of validation
// errors, it produces a synthetic patch touching files under nodes/**
// and leaves the allowlist.json and diff.patch artifacts the Scope and
// Artifact gates require.
type NodeFix struct {
	Artifacts *artifactstore.Store
}

func NewNodeFix(artifacts *artifactstore.Store) *NodeFix {
	return &NodeFix{Artifacts: artifacts}
}

// asStringSlice accepts both a []string, passed directly by Go callers
// like the fix loop, and a []any of strings, as would arrive after a
// JSON round trip.
func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (s *NodeFix) Invoke(ctx context.Context, handle *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	rawErrors := asStringSlice(inputs["errors"])
	if len(rawErrors) == 0 {
		return &skill.Output{
			InputRequired: &skill.InputRequest{MissingFields: []string{"errors"}},
		}, nil
	}

	dir := handle.ArtifactDir()
	if dir == "" {
		dir = s.Artifacts.Dir(handle.CorrelationID())
	}
	if err := s.Artifacts.WriteJSON(dir, "allowlist.json", map[string]any{
		"patterns": []string{"nodes/**"},
	}); err != nil {
		return nil, fmt.Errorf("write allowlist.json: %w", err)
	}

	var sb strings.Builder
	changed := []string{"nodes/generated_fix.py"}
	sb.WriteString("--- a/nodes/generated_fix.py\n")
	sb.WriteString("+++ b/nodes/generated_fix.py\n")
	sb.WriteString("@@\n")
	for _, e := range rawErrors {
		sb.WriteString(fmt.Sprintf("+# fix for: %s\n", e))
	}
	patch := sb.String()
	if err := s.Artifacts.WriteFile(dir, "diff.patch", []byte(patch)); err != nil {
		return nil, fmt.Errorf("write diff.patch: %w", err)
	}

	return &skill.Output{
		Fields: map[string]any{
			"patch":         patch,
			"changed_files": changed,
		},
		ChangedFiles: changed,
	}, nil
}
