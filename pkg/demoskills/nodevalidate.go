package demoskills

import (
	"context"
	"strings"

	"github.com/skillforge/executor/pkg/skill"
)

// NodeValidate implements the "node-validate" contract: it inspects a
// candidate patch produced by node-fix and reports whether it still
// contains a literal TODO marker, used as a stand-in for a real lint or
// test run in the bounded fix loop's examples and tests.
type NodeValidate struct{}

func NewNodeValidate() *NodeValidate { return &NodeValidate{} }

func (s *NodeValidate) Invoke(ctx context.Context, handle *skill.ExecutorHandle, inputs map[string]any) (*skill.Output, error) {
	candidate, _ := inputs["candidate"].(map[string]any)
	patch, _ := candidate["patch"].(string)

	if strings.Contains(patch, "TODO") {
		return &skill.Output{
			Fields: map[string]any{
				"clean":    false,
				"findings": []string{"patch still contains a TODO marker"},
			},
		}, nil
	}

	return &skill.Output{
		Fields: map[string]any{
			"clean": true,
		},
	}, nil
}
