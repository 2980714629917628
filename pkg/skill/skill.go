// Package skill defines the opaque-callable Skill interface the Executor
// dispatches against, and a name-keyed registry of them. The Executor
// never knows what a skill does internally — it only knows the typed
// shape of Invoke's inputs and outputs.
package skill

import "context"

// Output is the raw, untyped result a skill returns. The Executor
// validates its shape against the skill's declared output_schema and
// routes it through the Advisor Validator when the contract calls for it.
type Output struct {
	// Fields holds the skill's declared output payload.
	Fields map[string]any

	// InputRequired, when non-nil, signals the skill needs more input to
	// proceed. The Executor turns this into an input_required TaskState
	// rather than treating it as an error.
	InputRequired *InputRequest

	// ChangedFiles lists paths the skill wrote, for the Scope gate when
	// no diff.patch is produced directly by the skill itself.
	ChangedFiles []string

	// EmittedCode, when non-empty, is source text the Advisor Validator
	// and Sync-Compat gate must scan before any side effect is committed.
	EmittedCode string

	// TraceMap, when non-nil, is the trace map the Advisor Validator
	// checks against the declared output schema's field set.
	TraceMap map[string]any
}

// InputRequest describes what the caller must supply on a resumed turn.
type InputRequest struct {
	MissingFields []string       `json:"missing_fields"`
	Schema        map[string]any `json:"schema,omitempty"`
}

// Skill is the opaque callable contract-declared unit of work. A concrete
// skill receives only a restricted Handle (see ExecutorHandle) and never
// the full registry, to keep the skill/registry reference graph acyclic.
type Skill interface {
	// Invoke runs the skill synchronously to completion or until it
	// determines it needs more input. It must never block past the
	// caller's context deadline; the Executor is responsible for
	// translating a context cancellation into a timeout TaskState.
	Invoke(ctx context.Context, handle *ExecutorHandle, inputs map[string]any) (*Output, error)
}

// ExecutorHandle is the restricted view of the Executor a skill receives.
// It can only invoke the skills declared in the calling skill's
// depends_on list, which statically breaks the skill/registry reference
// cycle the source exhibited.
type ExecutorHandle struct {
	correlationID string
	allowedDeps   map[string]bool
	invokeDep     func(ctx context.Context, depName string, inputs map[string]any) (*Output, error)
	artifactDir   string
}

// NewExecutorHandle constructs a handle scoped to the given dependency
// allowlist.
func NewExecutorHandle(correlationID string, allowedDeps []string, invokeDep func(ctx context.Context, depName string, inputs map[string]any) (*Output, error)) *ExecutorHandle {
	allowed := make(map[string]bool, len(allowedDeps))
	for _, d := range allowedDeps {
		allowed[d] = true
	}
	return &ExecutorHandle{correlationID: correlationID, allowedDeps: allowed, invokeDep: invokeDep}
}

// CorrelationID returns the correlation id of the invocation this handle
// was created for.
func (h *ExecutorHandle) CorrelationID() string { return h.correlationID }

// WithArtifactDir attaches the artifact directory this invocation
// resolved to, returning the handle for chaining. The Executor sets
// this to the same directory the post-gates will inspect — the flat
// correlation directory, or an iteration-scoped one when the
// invocation came from the Bounded Fix Loop — so a skill that writes
// its own artifacts directly (rather than through Output) never
// disagrees with the Executor about where they belong.
func (h *ExecutorHandle) WithArtifactDir(dir string) *ExecutorHandle {
	h.artifactDir = dir
	return h
}

// ArtifactDir returns the artifact directory a skill should write
// directly-persisted files to, or "" if the invocation did not specify
// one (callers fall back to their own default in that case).
func (h *ExecutorHandle) ArtifactDir() string { return h.artifactDir }

// InvokeDependency calls another skill, but only if it was declared in
// the calling skill's depends_on list.
func (h *ExecutorHandle) InvokeDependency(ctx context.Context, depName string, inputs map[string]any) (*Output, error) {
	if !h.allowedDeps[depName] {
		return nil, ErrUndeclaredDependency
	}
	return h.invokeDep(ctx, depName, inputs)
}

// ErrUndeclaredDependency is returned when a skill tries to invoke another
// skill it did not declare in its contract's depends_on list.
var ErrUndeclaredDependency = &undeclaredDependencyError{}

type undeclaredDependencyError struct{}

func (e *undeclaredDependencyError) Error() string {
	return "skill attempted to invoke a dependency not declared in depends_on"
}

// Registry maps skill names to their opaque implementations. It is
// separate from contracts.Registry: the contract describes a skill, this
// registry provides the callable.
type Registry struct {
	skills map[string]Skill
}

// NewRegistry returns an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a skill implementation under name, overwriting any prior
// registration (used by tests to install fakes).
func (r *Registry) Register(name string, s Skill) {
	r.skills[name] = s
}

// Get returns the named skill, or false if it has no registered
// implementation (distinct from the contract being unknown).
func (r *Registry) Get(name string) (Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}
