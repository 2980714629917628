package statestore

import (
	"fmt"
	"strconv"
	"strings"
)

// resumeTokenPrefix pins the wire format: opaque to callers but
// structurally `ctx:<correlation_id>:<version>:<turn>`.
const resumeTokenPrefix = "ctx"

// GenerateResumeToken builds the opaque-but-structured token issued with
// a non-terminal response.
func GenerateResumeToken(correlationID string, version int64, turn int) string {
	return fmt.Sprintf("%s:%s:%d:%d", resumeTokenPrefix, correlationID, version, turn)
}

// parsedResumeToken is the decoded form of a resume token string.
type parsedResumeToken struct {
	CorrelationID string
	Version       int64
	Turn          int
}

// parseResumeToken decodes a token produced by GenerateResumeToken. The
// correlation id itself must not contain the `:` separator; this matches
// callers supplying opaque identifiers (uuids, slugs) rather than
// free-form text.
func parseResumeToken(token string) (*parsedResumeToken, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 || parts[0] != resumeTokenPrefix {
		return nil, fmt.Errorf("malformed resume token")
	}
	version, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed resume token version: %w", err)
	}
	turn, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("malformed resume token turn: %w", err)
	}
	return &parsedResumeToken{CorrelationID: parts[1], Version: version, Turn: turn}, nil
}
