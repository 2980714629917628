// Package contracts defines the declarative Skill Contract model and the
// registry that loads, validates, and cross-checks it at startup.
package contracts

import "fmt"

// ExecutionMode selects the validation pipeline a skill's output runs
// through. It is deliberately a tagged variant, not a subclass hierarchy:
// each mode is a fixed recipe in the Executor.
type ExecutionMode string

const (
	ModeDeterministic ExecutionMode = "deterministic"
	ModeHybrid        ExecutionMode = "hybrid"
	ModeAdvisorOnly   ExecutionMode = "advisor_only"
)

// AutonomyLevel bounds what a skill is permitted to do without further
// human sign-off.
type AutonomyLevel string

const (
	AutonomyRead      AutonomyLevel = "read"
	AutonomySuggest   AutonomyLevel = "suggest"
	AutonomyImplement AutonomyLevel = "implement"
	AutonomyCommit    AutonomyLevel = "commit"
)

// SideEffect names a class of effect a skill may produce.
type SideEffect string

const (
	SideEffectFS  SideEffect = "fs"
	SideEffectNet SideEffect = "net"
	SideEffectGit SideEffect = "git"
)

// StatePersistenceLevel controls how much of a skill's interaction is
// retained in the State Store beyond the terminal result.
type StatePersistenceLevel string

const (
	PersistNone       StatePersistenceLevel = "none"
	PersistFactsOnly  StatePersistenceLevel = "facts_only"
	PersistFullEvents StatePersistenceLevel = "full_events"
)

// RequiredArtifact names a file a skill must leave behind under its
// correlation directory for the Artifact gate to pass.
type RequiredArtifact struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// SyncConstraints declares the sync-safety rules the Sync-Compat gate
// enforces against a skill's emitted source.
type SyncConstraints struct {
	ForbidsAsyncDependencies bool `yaml:"forbids_async_dependencies" json:"forbids_async_dependencies"`
	RequiresExternalTimeouts bool `yaml:"requires_external_timeouts" json:"requires_external_timeouts"`
	ForbidsBackgroundTasks   bool `yaml:"forbids_background_tasks" json:"forbids_background_tasks"`
}

// InteractionOutcomes declares the multi-turn shape a skill is allowed to
// exhibit.
type InteractionOutcomes struct {
	AllowedIntermediateStates []string        `yaml:"allowed_intermediate_states" json:"allowed_intermediate_states"`
	MaxTurns                  int             `yaml:"max_turns" json:"max_turns"`
	SupportsResume            bool            `yaml:"supports_resume" json:"supports_resume"`
	InputRequestJSONSchema    map[string]any  `yaml:"input_request_jsonschema,omitempty" json:"input_request_jsonschema,omitempty"`
}

// Contract is the declarative, static-per-skill document the Registry
// loads. It is immutable once loaded.
type Contract struct {
	Name                string                 `yaml:"name" json:"name"`
	Version             string                 `yaml:"version" json:"version"`
	ExecutionMode       ExecutionMode          `yaml:"execution_mode" json:"execution_mode"`
	AutonomyLevel       AutonomyLevel          `yaml:"autonomy_level" json:"autonomy_level"`
	SideEffects         []SideEffect           `yaml:"side_effects" json:"side_effects"`
	TimeoutSeconds      int                    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxFixIterations    int                    `yaml:"max_fix_iterations" json:"max_fix_iterations"`
	IdempotencyRequired bool                   `yaml:"idempotency_required" json:"idempotency_required"`
	SyncConstraints     SyncConstraints        `yaml:"sync_constraints" json:"sync_constraints"`
	InputSchema         map[string]any         `yaml:"input_schema" json:"input_schema"`
	OutputSchema        map[string]any         `yaml:"output_schema" json:"output_schema"`
	RequiredArtifacts   []RequiredArtifact     `yaml:"required_artifacts" json:"required_artifacts"`
	FailureModes        []string               `yaml:"failure_modes" json:"failure_modes"`
	DependsOn           []string               `yaml:"depends_on" json:"depends_on"`
	InteractionOutcomes InteractionOutcomes    `yaml:"interaction_outcomes" json:"interaction_outcomes"`
	StatePersistence    StatePersistenceLevel  `yaml:"state_persistence_level" json:"state_persistence_level"`
}

// hasRequiredArtifact reports whether name appears in the contract's
// required artifact list.
func (c *Contract) hasRequiredArtifact(name string) bool {
	for _, a := range c.RequiredArtifacts {
		if a.Name == name {
			return true
		}
	}
	return false
}

// RequiresAllowlist reports whether the contract's autonomy level
// requires an allowlist.json artifact (implement/commit skills).
func (c *Contract) RequiresAllowlist() bool {
	return c.AutonomyLevel == AutonomyImplement || c.AutonomyLevel == AutonomyCommit
}

// EngagesAdvisor reports whether the Advisor Validator must run for this
// skill's output.
func (c *Contract) EngagesAdvisor() bool {
	return c.ExecutionMode == ModeHybrid || c.ExecutionMode == ModeAdvisorOnly
}

// Validate performs the per-contract structural checks the Registry
// requires on load, independent of cross-references to other contracts.
func (c *Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract_parse_error: missing name")
	}
	if c.Version == "" {
		return fmt.Errorf("contract_parse_error: %s: missing version", c.Name)
	}
	switch c.ExecutionMode {
	case ModeDeterministic, ModeHybrid, ModeAdvisorOnly:
	default:
		return fmt.Errorf("contract_parse_error: %s: invalid execution_mode %q", c.Name, c.ExecutionMode)
	}
	switch c.AutonomyLevel {
	case AutonomyRead, AutonomySuggest, AutonomyImplement, AutonomyCommit:
	default:
		return fmt.Errorf("contract_parse_error: %s: invalid autonomy_level %q", c.Name, c.AutonomyLevel)
	}
	if c.MaxFixIterations > 3 {
		return fmt.Errorf("contract_parse_error: %s: max_fix_iterations %d exceeds hard cap of 3", c.Name, c.MaxFixIterations)
	}
	if c.RequiresAllowlist() && !c.hasRequiredArtifact("allowlist.json") {
		return fmt.Errorf("contract_cross_ref_error: %s: autonomy_level %q requires allowlist.json in required_artifacts", c.Name, c.AutonomyLevel)
	}
	switch c.StatePersistence {
	case PersistNone, PersistFactsOnly, PersistFullEvents, "":
	default:
		return fmt.Errorf("contract_parse_error: %s: invalid state_persistence_level %q", c.Name, c.StatePersistence)
	}
	return nil
}
