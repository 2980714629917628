package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Registry holds the loaded, cross-checked set of Skill Contracts for a
// process. Contracts are immutable after Load returns successfully.
type Registry struct {
	contracts map[string]*Contract
	schemas   map[string]*compiledSchemas
}

type compiledSchemas struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// NewRegistry returns an empty registry. Use Load to populate it from a
// directory of contract documents.
func NewRegistry() *Registry {
	return &Registry{
		contracts: make(map[string]*Contract),
		schemas:   make(map[string]*compiledSchemas),
	}
}

// Load parses every `*.yaml`/`*.yml` contract document under dir, validates
// each individually, cross-checks `depends_on` references, and compiles
// the declared JSON schemas. Any nonconforming document is rejected.
func Load(dir string) (*Registry, error) {
	r := NewRegistry()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("contract_parse_error: read contract dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("contract_parse_error: read %s: %w", path, err)
		}
		var c Contract
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("contract_parse_error: parse %s: %w", path, err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.contracts[c.Name]; exists {
			return nil, fmt.Errorf("contract_parse_error: duplicate skill name %q in %s", c.Name, path)
		}
		r.contracts[c.Name] = &c
	}

	if err := r.validateAll(); err != nil {
		return nil, err
	}
	if err := r.compileSchemas(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named contract, or an unknown_skill error.
func (r *Registry) Get(name string) (*Contract, error) {
	c, ok := r.contracts[name]
	if !ok {
		return nil, fmt.Errorf("unknown_skill: %s", name)
	}
	return c, nil
}

// All returns every loaded contract, sorted by name for deterministic
// iteration order.
func (r *Registry) All() []*Contract {
	out := make([]*Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateAll cross-checks the full contract set: every depends_on
// reference must resolve to a loaded contract, and there must be no cycle.
func (r *Registry) validateAll() error {
	for _, c := range r.contracts {
		for _, dep := range c.DependsOn {
			if _, ok := r.contracts[dep]; !ok {
				return fmt.Errorf("contract_cross_ref_error: %s depends_on unknown skill %q", c.Name, dep)
			}
		}
	}
	visiting := make(map[string]bool)
	visited := make(map[string]bool)
	var visit func(name string, chain []string) error
	visit = func(name string, chain []string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("contract_cross_ref_error: dependency cycle detected: %v", append(chain, name))
		}
		visiting[name] = true
		c := r.contracts[name]
		for _, dep := range c.DependsOn {
			if err := visit(dep, append(chain, name)); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		return nil
	}
	for name := range r.contracts {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// compileSchemas compiles each contract's input/output JSON schemas
// up front, so a malformed schema is a startup failure, not a per-call one.
func (r *Registry) compileSchemas() error {
	for _, c := range r.contracts {
		cs := &compiledSchemas{}
		var err error
		if cs.input, err = compileSchema(c.Name+"#input", c.InputSchema); err != nil {
			return fmt.Errorf("contract_parse_error: %s: input_schema: %w", c.Name, err)
		}
		if cs.output, err = compileSchema(c.Name+"#output", c.OutputSchema); err != nil {
			return fmt.Errorf("contract_parse_error: %s: output_schema: %w", c.Name, err)
		}
		r.schemas[c.Name] = cs
	}
	return nil
}

func compileSchema(resourceID string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem://" + resourceID
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// ValidateInput validates a skill's raw input payload against its
// declared input_schema. A contract without an input_schema accepts
// anything.
func (r *Registry) ValidateInput(skillName string, input any) error {
	return r.validateAgainst(skillName, input, true)
}

// ValidateOutput validates a skill's raw output payload against its
// declared output_schema.
func (r *Registry) ValidateOutput(skillName string, output any) error {
	return r.validateAgainst(skillName, output, false)
}

func (r *Registry) validateAgainst(skillName string, payload any, input bool) error {
	cs, ok := r.schemas[skillName]
	if !ok {
		return fmt.Errorf("unknown_skill: %s", skillName)
	}
	schema := cs.output
	if input {
		schema = cs.input
	}
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("validation_error: %w", err)
	}
	return nil
}
