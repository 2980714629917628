package statestore

import "context"

// Store is the pluggable State Store backend contract. Two
// implementations exist: Embedded (single-file, development) and Server
// (Postgres + Redis, multi-worker production).
type Store interface {
	// GetContext returns the current context row for correlationID, or
	// ErrContextNotFound if none exists yet.
	GetContext(ctx context.Context, correlationID string) (*Context, error)

	// PutContext writes ctx, compare-and-swapping on expectedVersion. On
	// success it returns the new version (expectedVersion+1). On mismatch
	// it returns ErrVersionConflict.
	PutContext(ctx context.Context, c *Context, expectedVersion int64) (int64, error)

	// RecordMessage attempts the dedupe insert for (correlationID,
	// messageID) atomically alongside the state write path. An empty
	// messageID is a no-op success. On a repeat pair it returns
	// ErrDuplicateMessage.
	RecordMessage(ctx context.Context, correlationID, messageID string) error

	// AppendEvent appends an event and trims the log to MaxEvents.
	AppendEvent(ctx context.Context, e *Event) error

	// ListEvents returns the retained events for correlationID, oldest
	// first.
	ListEvents(ctx context.Context, correlationID string) ([]*Event, error)

	// PutFact upserts a pocket fact, enforcing the per-bucket cap with
	// oldest-eviction.
	PutFact(ctx context.Context, f *Fact) error

	// GetFacts returns the unexpired facts for (correlationID, bucket).
	GetFacts(ctx context.Context, correlationID, bucket string) ([]*Fact, error)

	// GenerateResumeToken issues a resume token for the given version/turn.
	GenerateResumeToken(correlationID string, version int64, turn int) string

	// ValidateResumeToken accepts a token iff the referenced context
	// exists and its current version matches the token's version.
	ValidateResumeToken(ctx context.Context, token string) (bool, error)

	// GetLastResult returns the previously persisted AgentResponse-shaped
	// outputs for a deduped (correlationID, messageID) pair, if recorded.
	GetLastResult(ctx context.Context, correlationID, messageID string) (map[string]any, error)

	// PutLastResult records the outputs produced for a given
	// (correlationID, messageID) pair so a duplicate invocation can replay
	// it byte-for-byte.
	PutLastResult(ctx context.Context, correlationID, messageID string, outputs map[string]any) error

	// Close releases backend resources.
	Close() error
}
