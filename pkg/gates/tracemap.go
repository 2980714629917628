package gates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TraceSource is the canonical vocabulary for a trace entry's provenance.
type TraceSource string

const (
	SourceCode       TraceSource = "SOURCE_CODE"
	SourceAPIDocs    TraceSource = "API_DOCS"
	SourceAssumption TraceSource = "ASSUMPTION"
)

// MaxAssumptionRatio is the hard ceiling on the fraction of trace entries
// that may be sourced from assumption rather than evidence.
const MaxAssumptionRatio = 0.30

// TraceEntry documents the provenance of one inferred schema field.
type TraceEntry struct {
	FieldPath   string      `json:"field_path"`
	Source      TraceSource `json:"source"`
	Evidence    string      `json:"evidence"`
	Confidence  string      `json:"confidence"`
	SourceFile  string      `json:"source_file,omitempty"`
	LineRange   string      `json:"line_range,omitempty"`
	ExcerptHash string      `json:"excerpt_hash,omitempty"`
}

// TraceMapDoc is the on-disk trace_map.json document.
type TraceMapDoc struct {
	CorrelationID string       `json:"correlation_id"`
	NodeType      string       `json:"node_type"`
	TraceEntries  []TraceEntry `json:"trace_entries"`
}

// TraceMapGate enforces evidence coverage and the assumption ceiling:
// every declared schema field must have an entry, at most 30% of
// entries may be unsupported assumptions, and every entry must carry
// non-empty evidence text.
type TraceMapGate struct {
	// DeclaredFields, when non-empty, is the set of schema field paths
	// that must each appear in at least one trace entry. The standalone
	// CLI runner leaves this empty and skips check (a).
	DeclaredFields []string
}

func NewTraceMapGate(declaredFields []string) *TraceMapGate {
	return &TraceMapGate{DeclaredFields: declaredFields}
}

func (g *TraceMapGate) ID() string   { return "trace_map" }
func (g *TraceMapGate) Name() string { return "Trace Map" }

func (g *TraceMapGate) Run(rc *RunContext) *Result {
	return timed(rc, func() *Result {
		res := &Result{GateID: g.ID(), Pass: true, Details: map[string]any{}}

		doc, err := loadTraceMap(filepath.Join(rc.ArtifactsDir, "trace_map.json"))
		if err != nil {
			if !rc.requiresArtifact("trace_map.json") {
				return res
			}
			res.Pass = false
			res.Reasons = append(res.Reasons, ReasonTraceMapMissing)
			res.Findings = append(res.Findings, Finding{Reason: ReasonTraceMapMissing, Remediation: err.Error()})
			return res
		}

		covered := map[string]bool{}
		assumptionCount := 0
		for _, e := range doc.TraceEntries {
			covered[e.FieldPath] = true
			if e.Source == SourceAssumption {
				assumptionCount++
			}
			if e.Evidence == "" {
				res.Pass = false
				res.Reasons = append(res.Reasons, ReasonEmptyEvidence)
				res.Findings = append(res.Findings, Finding{Path: e.FieldPath, Reason: ReasonEmptyEvidence})
			}
		}

		for _, field := range g.DeclaredFields {
			if !covered[field] {
				res.Pass = false
				res.Reasons = append(res.Reasons, ReasonFieldMissingEvidence)
				res.Findings = append(res.Findings, Finding{Path: field, Reason: ReasonFieldMissingEvidence})
			}
		}

		total := len(doc.TraceEntries)
		ratio := 0.0
		if total > 0 {
			ratio = float64(assumptionCount) / float64(total)
		}
		res.Details["assumption_ratio"] = ratio
		res.Details["entry_count"] = total
		if ratio > MaxAssumptionRatio {
			res.Pass = false
			res.Reasons = append(res.Reasons, ReasonAssumptionRatio)
			res.Findings = append(res.Findings, Finding{
				Reason:      ReasonAssumptionRatio,
				Remediation: fmt.Sprintf("assumption ratio %.2f exceeds ceiling %.2f", ratio, MaxAssumptionRatio),
			})
		}
		return res
	})
}

func loadTraceMap(path string) (*TraceMapDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc TraceMapDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse trace_map.json: %w", err)
	}
	return &doc, nil
}

// ValidateTraceMapDoc runs the same checks as TraceMapGate.Run directly
// against an in-memory document, used by the Advisor Validator which
// receives the trace map as part of a skill's raw output rather than a
// file on disk.
func ValidateTraceMapDoc(doc *TraceMapDoc, declaredFields []string) *Result {
	res := &Result{GateID: "trace_map", Pass: true, Details: map[string]any{}}
	covered := map[string]bool{}
	assumptionCount := 0
	for _, e := range doc.TraceEntries {
		covered[e.FieldPath] = true
		if e.Source == SourceAssumption {
			assumptionCount++
		}
		if e.Evidence == "" {
			res.Pass = false
			res.Reasons = append(res.Reasons, ReasonEmptyEvidence)
		}
	}
	for _, field := range declaredFields {
		if !covered[field] {
			res.Pass = false
			res.Reasons = append(res.Reasons, ReasonFieldMissingEvidence)
		}
	}
	total := len(doc.TraceEntries)
	ratio := 0.0
	if total > 0 {
		ratio = float64(assumptionCount) / float64(total)
	}
	res.Details["assumption_ratio"] = ratio
	if ratio > MaxAssumptionRatio {
		res.Pass = false
		res.Reasons = append(res.Reasons, ReasonAssumptionRatio)
	}
	return res
}
