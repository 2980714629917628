package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Embedded is the single-file State Store backend intended for
// development and single-worker deployments. It is backed by a pure-Go
// SQLite database and serializes writes with an in-process mutex, mirroring
// the load/save discipline of a file-backed ledger without sacrificing CAS
// and dedupe semantics.
type Embedded struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
}

// NewEmbedded opens (creating if absent) the sqlite database at path and
// ensures its schema exists.
func NewEmbedded(path string) (*Embedded, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open embedded store: %v", ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers from one process
	e := &Embedded{db: db, clock: time.Now}
	if err := e.migrate(); err != nil {
		return nil, err
	}
	return e, nil
}

// WithClock overrides the embedded store's clock, for deterministic tests.
func (e *Embedded) WithClock(clock func() time.Time) *Embedded {
	e.clock = clock
	return e
}

func (e *Embedded) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_context_state (
			correlation_id TEXT PRIMARY KEY,
			current_turn INTEGER NOT NULL,
			task_state TEXT NOT NULL,
			context_version INTEGER NOT NULL,
			resume_token TEXT,
			agent_state_detail TEXT,
			input_request_payload TEXT,
			summary TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_conversation_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT,
			turn_number INTEGER,
			timestamp TEXT NOT NULL,
			agent_id TEXT,
			message_id TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedupe
			ON agent_conversation_events(correlation_id, message_id)
			WHERE message_id IS NOT NULL AND message_id != ''`,
		`CREATE TABLE IF NOT EXISTS agent_pocket_facts (
			correlation_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			timestamp TEXT NOT NULL,
			ttl_seconds INTEGER,
			expires_at TEXT,
			PRIMARY KEY (correlation_id, bucket, key)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_dedupe_results (
			correlation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			outputs TEXT,
			PRIMARY KEY (correlation_id, message_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := e.db.Exec(s); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrSchemaViolation, err)
		}
	}
	return nil
}

func (e *Embedded) GetContext(ctx context.Context, correlationID string) (*Context, error) {
	row := e.db.QueryRowContext(ctx, `SELECT correlation_id, current_turn, task_state, context_version,
		resume_token, agent_state_detail, input_request_payload, summary, created_at, updated_at
		FROM agent_context_state WHERE correlation_id = ?`, correlationID)

	var (
		c                   Context
		resumeToken         sql.NullString
		agentStateDetail    sql.NullString
		inputRequestPayload sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.CorrelationID, &c.CurrentTurn, &c.TaskState, &c.ContextVersion,
		&resumeToken, &agentStateDetail, &inputRequestPayload, &c.Summary, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_context: %v", ErrBackendUnavailable, err)
	}
	c.ResumeToken = resumeToken.String
	c.AgentStateDetail = AgentStateDetail(agentStateDetail.String)
	if inputRequestPayload.Valid && inputRequestPayload.String != "" {
		if err := json.Unmarshal([]byte(inputRequestPayload.String), &c.InputRequestPayload); err != nil {
			return nil, fmt.Errorf("%w: decode input_request_payload: %v", ErrSchemaViolation, err)
		}
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func (e *Embedded) PutContext(ctx context.Context, c *Context, expectedVersion int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payloadJSON, err := json.Marshal(RedactMap(c.InputRequestPayload))
	if err != nil {
		return 0, fmt.Errorf("marshal input_request_payload: %w", err)
	}
	now := e.clock()
	newVersion := expectedVersion + 1

	existing, err := e.GetContext(ctx, c.CorrelationID)
	if err != nil && !errors.Is(err, ErrContextNotFound) {
		return 0, err
	}

	if errors.Is(err, ErrContextNotFound) {
		if expectedVersion != 0 {
			return 0, ErrVersionConflict
		}
		createdAt := now
		if !c.CreatedAt.IsZero() {
			createdAt = c.CreatedAt
		}
		_, execErr := e.db.ExecContext(ctx, `INSERT INTO agent_context_state
			(correlation_id, current_turn, task_state, context_version, resume_token,
			 agent_state_detail, input_request_payload, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CorrelationID, c.CurrentTurn, string(c.TaskState), newVersion, c.ResumeToken,
			string(c.AgentStateDetail), string(payloadJSON), c.Summary,
			createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if execErr != nil {
			return 0, fmt.Errorf("%w: put_context insert: %v", ErrBackendUnavailable, execErr)
		}
		return newVersion, nil
	}

	if existing.ContextVersion != expectedVersion {
		return 0, ErrVersionConflict
	}

	res, execErr := e.db.ExecContext(ctx, `UPDATE agent_context_state SET
		current_turn = ?, task_state = ?, context_version = ?, resume_token = ?,
		agent_state_detail = ?, input_request_payload = ?, summary = ?, updated_at = ?
		WHERE correlation_id = ? AND context_version = ?`,
		c.CurrentTurn, string(c.TaskState), newVersion, c.ResumeToken,
		string(c.AgentStateDetail), string(payloadJSON), c.Summary, now.Format(time.RFC3339Nano),
		c.CorrelationID, expectedVersion)
	if execErr != nil {
		return 0, fmt.Errorf("%w: put_context update: %v", ErrBackendUnavailable, execErr)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

func (e *Embedded) RecordMessage(ctx context.Context, correlationID, messageID string) error {
	if messageID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var exists int
	err := e.db.QueryRowContext(ctx, `SELECT 1 FROM agent_dedupe_results WHERE correlation_id = ? AND message_id = ?`,
		correlationID, messageID).Scan(&exists)
	if err == nil {
		return ErrDuplicateMessage
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: record_message lookup: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Embedded) AppendEvent(ctx context.Context, ev *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	payloadJSON, err := json.Marshal(RedactMap(ev.Payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.clock()
	}
	var messageID any
	if ev.MessageID != "" {
		messageID = ev.MessageID
	}
	if _, err := e.db.ExecContext(ctx, `INSERT INTO agent_conversation_events
		(correlation_id, event_type, payload, turn_number, timestamp, agent_id, message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.CorrelationID, ev.EventType, string(payloadJSON), ev.TurnNumber,
		ts.Format(time.RFC3339Nano), ev.AgentID, messageID); err != nil {
		return fmt.Errorf("%w: append_event: %v", ErrBackendUnavailable, err)
	}

	if _, err := e.db.ExecContext(ctx, `DELETE FROM agent_conversation_events
		WHERE correlation_id = ? AND event_id NOT IN (
			SELECT event_id FROM agent_conversation_events
			WHERE correlation_id = ? ORDER BY event_id DESC LIMIT ?
		)`, ev.CorrelationID, ev.CorrelationID, MaxEvents); err != nil {
		return fmt.Errorf("%w: trim events: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Embedded) ListEvents(ctx context.Context, correlationID string) ([]*Event, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT event_id, correlation_id, event_type, payload,
		turn_number, timestamp, agent_id, message_id FROM agent_conversation_events
		WHERE correlation_id = ? ORDER BY event_id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("%w: list_events: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var payload sql.NullString
		var agentID, messageID sql.NullString
		var ts string
		if err := rows.Scan(&ev.EventID, &ev.CorrelationID, &ev.EventType, &payload,
			&ev.TurnNumber, &ts, &agentID, &messageID); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrBackendUnavailable, err)
		}
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &ev.Payload)
		}
		ev.AgentID = agentID.String
		ev.MessageID = messageID.String
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (e *Embedded) PutFact(ctx context.Context, f *Fact) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	valueJSON, err := json.Marshal(RedactMap(f.Value))
	if err != nil {
		return fmt.Errorf("marshal fact value: %w", err)
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = e.clock()
	}
	var ttl any
	var expiresAt any
	if f.TTLSeconds != nil {
		ttl = *f.TTLSeconds
		exp := ts.Add(time.Duration(*f.TTLSeconds) * time.Second)
		f.ExpiresAt = &exp
		expiresAt = exp.Format(time.RFC3339Nano)
	}

	if _, err := e.db.ExecContext(ctx, `INSERT INTO agent_pocket_facts
		(correlation_id, bucket, key, value, timestamp, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id, bucket, key) DO UPDATE SET
			value = excluded.value, timestamp = excluded.timestamp,
			ttl_seconds = excluded.ttl_seconds, expires_at = excluded.expires_at`,
		f.CorrelationID, f.Bucket, f.Key, string(valueJSON), ts.Format(time.RFC3339Nano), ttl, expiresAt); err != nil {
		return fmt.Errorf("%w: put_fact: %v", ErrBackendUnavailable, err)
	}

	return e.evictOldestBeyondCap(ctx, f.CorrelationID, f.Bucket)
}

func (e *Embedded) evictOldestBeyondCap(ctx context.Context, correlationID, bucket string) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM agent_pocket_facts
		WHERE correlation_id = ? AND bucket = ? AND key NOT IN (
			SELECT key FROM agent_pocket_facts
			WHERE correlation_id = ? AND bucket = ?
			ORDER BY timestamp DESC LIMIT ?
		)`, correlationID, bucket, correlationID, bucket, MaxFactsPerBucket)
	if err != nil {
		return fmt.Errorf("%w: evict facts: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Embedded) GetFacts(ctx context.Context, correlationID, bucket string) ([]*Fact, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT correlation_id, bucket, key, value, timestamp,
		ttl_seconds, expires_at FROM agent_pocket_facts WHERE correlation_id = ? AND bucket = ?`,
		correlationID, bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: get_facts: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	now := e.clock()
	var out []*Fact
	for rows.Next() {
		var f Fact
		var value sql.NullString
		var ts string
		var ttl sql.NullInt64
		var expiresAt sql.NullString
		if err := rows.Scan(&f.CorrelationID, &f.Bucket, &f.Key, &value, &ts, &ttl, &expiresAt); err != nil {
			return nil, fmt.Errorf("%w: scan fact: %v", ErrBackendUnavailable, err)
		}
		if value.Valid && value.String != "" {
			_ = json.Unmarshal([]byte(value.String), &f.Value)
		}
		f.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if ttl.Valid {
			v := ttl.Int64
			f.TTLSeconds = &v
		}
		if expiresAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
			if err == nil {
				f.ExpiresAt = &t
			}
		}
		if f.Expired(now) {
			continue
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (e *Embedded) GenerateResumeToken(correlationID string, version int64, turn int) string {
	return GenerateResumeToken(correlationID, version, turn)
}

func (e *Embedded) ValidateResumeToken(ctx context.Context, token string) (bool, error) {
	parsed, err := parseResumeToken(token)
	if err != nil {
		return false, nil
	}
	c, err := e.GetContext(ctx, parsed.CorrelationID)
	if errors.Is(err, ErrContextNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.ContextVersion == parsed.Version, nil
}

func (e *Embedded) GetLastResult(ctx context.Context, correlationID, messageID string) (map[string]any, error) {
	var outputs sql.NullString
	err := e.db.QueryRowContext(ctx, `SELECT outputs FROM agent_dedupe_results
		WHERE correlation_id = ? AND message_id = ?`, correlationID, messageID).Scan(&outputs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_last_result: %v", ErrBackendUnavailable, err)
	}
	var out map[string]any
	if outputs.Valid && outputs.String != "" {
		_ = json.Unmarshal([]byte(outputs.String), &out)
	}
	return out, nil
}

func (e *Embedded) PutLastResult(ctx context.Context, correlationID, messageID string, outputs map[string]any) error {
	if messageID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, `INSERT INTO agent_dedupe_results (correlation_id, message_id, outputs)
		VALUES (?, ?, ?)
		ON CONFLICT(correlation_id, message_id) DO NOTHING`, correlationID, messageID, string(raw)); err != nil {
		return fmt.Errorf("%w: put_last_result: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (e *Embedded) Close() error {
	return e.db.Close()
}
