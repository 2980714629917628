// Package advisor implements the Advisor Validator: the deterministic
// backstop that funnels every hybrid/advisor_only skill's output through
// the same invariants a handwritten contribution must satisfy, before any
// side effect (artifact write) is committed.
package advisor

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/skillforge/executor/pkg/contracts"
	"github.com/skillforge/executor/pkg/gates"
	"github.com/skillforge/executor/pkg/skill"
)

// Result is the Advisor Validator's verdict. A non-pass result means the
// invocation is marked failed before any artifact write is committed.
type Result struct {
	Pass    bool
	Reasons []string
}

// Validator runs the Trace-Map and Sync-Compat checks against a
// skill's raw output. It is purely a function of its inputs — no
// hidden state.
type Validator struct {
	registry *contracts.Registry
}

func New(registry *contracts.Registry) *Validator {
	return &Validator{registry: registry}
}

// Options carries the context the validator needs beyond the raw output:
// the pre-declared allowlist (for patch containment) and the output
// schema's declared field set (for trace-map coverage).
type Options struct {
	AllowlistPatterns []string
	DeclaredFields    []string
}

// Validate runs every applicable check for contract against out. Checks
// that don't apply to this output (no code, no trace map, no patch) are
// skipped rather than failed.
func (v *Validator) Validate(contractName string, out *skill.Output, opts Options) (*Result, error) {
	res := &Result{Pass: true}

	// (a) output parses against the declared output schema.
	if err := v.registry.ValidateOutput(contractName, out.Fields); err != nil {
		res.Pass = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("output_schema: %v", err))
	}

	// (b) emitted code passes the Sync-Compat scan.
	if out.EmittedCode != "" {
		if findings := gates.ScanSourceForForbiddenConstructs(out.EmittedCode); len(findings) > 0 {
			res.Pass = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("sync_compat: %d forbidden construct(s)", len(findings)))
		}
	}

	// (c) an accompanying trace map passes the Trace-Map gate.
	if out.TraceMap != nil {
		doc, err := decodeTraceMap(out.TraceMap)
		if err != nil {
			res.Pass = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("trace_map: %v", err))
		} else {
			tmRes := gates.ValidateTraceMapDoc(doc, opts.DeclaredFields)
			if !tmRes.Pass {
				res.Pass = false
				for _, r := range tmRes.Reasons {
					res.Reasons = append(res.Reasons, "trace_map: "+r)
				}
			}
		}
	}

	// (d) every modified path in an emitted patch is allowlist-contained.
	if len(out.ChangedFiles) > 0 {
		for _, path := range out.ChangedFiles {
			matched := false
			for _, pat := range opts.AllowlistPatterns {
				if ok, _ := doublestar.Match(pat, path); ok {
					matched = true
					break
				}
			}
			if !matched {
				res.Pass = false
				res.Reasons = append(res.Reasons, fmt.Sprintf("scope: %s not contained in allowlist", path))
			}
		}
	}

	return res, nil
}

func decodeTraceMap(raw map[string]any) (*gates.TraceMapDoc, error) {
	doc := &gates.TraceMapDoc{}
	if v, ok := raw["correlation_id"].(string); ok {
		doc.CorrelationID = v
	}
	if v, ok := raw["node_type"].(string); ok {
		doc.NodeType = v
	}
	entriesRaw, ok := raw["trace_entries"].([]any)
	if !ok {
		return nil, fmt.Errorf("trace_entries missing or malformed")
	}
	for _, er := range entriesRaw {
		m, ok := er.(map[string]any)
		if !ok {
			continue
		}
		entry := gates.TraceEntry{}
		if v, ok := m["field_path"].(string); ok {
			entry.FieldPath = v
		}
		if v, ok := m["source"].(string); ok {
			entry.Source = gates.TraceSource(v)
		}
		if v, ok := m["evidence"].(string); ok {
			entry.Evidence = v
		}
		if v, ok := m["confidence"].(string); ok {
			entry.Confidence = v
		}
		doc.TraceEntries = append(doc.TraceEntries, entry)
	}
	return doc, nil
}
