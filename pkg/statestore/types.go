// Package statestore implements the durable, versioned State Store: the
// correlation context, the append-only event log, and keyed pocket facts,
// with optimistic concurrency, dedupe, and write-path redaction.
package statestore

import (
	"errors"
	"time"
)

// Resource bounds enforced at the runtime level.
const (
	MaxEvents         = 100
	MaxFactsPerBucket = 50
)

// TaskState mirrors taskstate.State as a plain string to avoid a cyclic
// package dependency; callers compare against taskstate constants.
type TaskState string

// AgentStateDetail refines a non-terminal TaskState.
type AgentStateDetail string

const (
	DetailInputRequired AgentStateDetail = "input_required"
	DetailDelegating    AgentStateDetail = "delegating"
	DetailPaused        AgentStateDetail = "paused"
)

// Context is the fundamental identity the State Store owns: one row per
// correlation id, mutated only through compare-and-swap on ContextVersion.
type Context struct {
	CorrelationID       string
	CurrentTurn         int
	TaskState           TaskState
	ContextVersion      int64
	ResumeToken         string
	AgentStateDetail    AgentStateDetail
	InputRequestPayload map[string]any
	Summary             string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Event is an append-only conversation record.
type Event struct {
	EventID        int64
	CorrelationID  string
	EventType      string
	Payload        map[string]any
	TurnNumber     int
	Timestamp      time.Time
	AgentID        string
	MessageID      string
}

// Fact is a small, keyed, optionally-expiring datum scoped to a bucket
// namespace within a correlation id.
type Fact struct {
	CorrelationID string
	Bucket        string
	Key           string
	Value         map[string]any
	Timestamp     time.Time
	TTLSeconds    *int64
	ExpiresAt     *time.Time
}

// Expired reports whether the fact's TTL has elapsed as of now.
func (f *Fact) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}

// Sentinel errors forming the State Store's failure taxonomy.
var (
	ErrVersionConflict    = errors.New("version_conflict")
	ErrDuplicateMessage   = errors.New("duplicate_message")
	ErrBackendUnavailable = errors.New("backend_unavailable")
	ErrSchemaViolation    = errors.New("schema_violation")
	ErrContextNotFound    = errors.New("context_not_found")
)
