package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Server is the client-server State Store backend used for multi-worker
// production deployments: context rows and the event log live in Postgres
// (serialized by the version-based CAS, following the same
// `UPDATE ... WHERE version = $expected` discipline as a leased ledger
// row), while pocket facts live in Redis, whose native per-key TTL maps
// directly onto the fact's own expiry.
type Server struct {
	db    *sql.DB
	redis *redis.Client
	clock func() time.Time
}

// NewServer opens the Postgres connection and the Redis client, and
// ensures the Postgres schema exists.
func NewServer(ctx context.Context, databaseURL, redisAddr string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrBackendUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping postgres: %v", ErrBackendUnavailable, err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", ErrBackendUnavailable, err)
	}

	s := &Server{db: db, redis: rdb, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_context_state (
			correlation_id TEXT PRIMARY KEY,
			current_turn INTEGER NOT NULL,
			task_state TEXT NOT NULL,
			context_version BIGINT NOT NULL,
			resume_token TEXT,
			agent_state_detail TEXT,
			input_request_payload JSONB,
			summary TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_conversation_events (
			event_id BIGSERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL REFERENCES agent_context_state(correlation_id),
			event_type TEXT NOT NULL,
			payload JSONB,
			turn_number INTEGER,
			timestamp TIMESTAMPTZ NOT NULL,
			agent_id TEXT,
			message_id TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS agent_conversation_events_dedupe
			ON agent_conversation_events(correlation_id, message_id)
			WHERE message_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS agent_dedupe_results (
			correlation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			outputs JSONB,
			PRIMARY KEY (correlation_id, message_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrSchemaViolation, err)
		}
	}
	return nil
}

func (s *Server) GetContext(ctx context.Context, correlationID string) (*Context, error) {
	row := s.db.QueryRowContext(ctx, `SELECT correlation_id, current_turn, task_state, context_version,
		resume_token, agent_state_detail, input_request_payload, summary, created_at, updated_at
		FROM agent_context_state WHERE correlation_id = $1`, correlationID)

	var (
		c                   Context
		resumeToken         sql.NullString
		agentStateDetail    sql.NullString
		inputRequestPayload []byte
	)
	err := row.Scan(&c.CorrelationID, &c.CurrentTurn, &c.TaskState, &c.ContextVersion,
		&resumeToken, &agentStateDetail, &inputRequestPayload, &c.Summary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_context: %v", ErrBackendUnavailable, err)
	}
	c.ResumeToken = resumeToken.String
	c.AgentStateDetail = AgentStateDetail(agentStateDetail.String)
	if len(inputRequestPayload) > 0 {
		if err := json.Unmarshal(inputRequestPayload, &c.InputRequestPayload); err != nil {
			return nil, fmt.Errorf("%w: decode input_request_payload: %v", ErrSchemaViolation, err)
		}
	}
	return &c, nil
}

func (s *Server) PutContext(ctx context.Context, c *Context, expectedVersion int64) (int64, error) {
	payloadJSON, err := json.Marshal(RedactMap(c.InputRequestPayload))
	if err != nil {
		return 0, fmt.Errorf("marshal input_request_payload: %w", err)
	}
	now := s.clock()
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO agent_context_state
			(correlation_id, current_turn, task_state, context_version, resume_token,
			 agent_state_detail, input_request_payload, summary, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
			ON CONFLICT (correlation_id) DO NOTHING`,
			c.CorrelationID, c.CurrentTurn, string(c.TaskState), newVersion, c.ResumeToken,
			string(c.AgentStateDetail), payloadJSON, c.Summary, now)
		if err != nil {
			return 0, fmt.Errorf("%w: put_context insert: %v", ErrBackendUnavailable, err)
		}
		existing, getErr := s.GetContext(ctx, c.CorrelationID)
		if getErr != nil {
			return 0, getErr
		}
		if existing.ContextVersion != newVersion {
			return 0, ErrVersionConflict
		}
		return newVersion, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE agent_context_state SET
		current_turn = $1, task_state = $2, context_version = $3, resume_token = $4,
		agent_state_detail = $5, input_request_payload = $6, summary = $7, updated_at = $8
		WHERE correlation_id = $9 AND context_version = $10`,
		c.CurrentTurn, string(c.TaskState), newVersion, c.ResumeToken,
		string(c.AgentStateDetail), payloadJSON, c.Summary, now, c.CorrelationID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: put_context update: %v", ErrBackendUnavailable, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return newVersion, nil
}

func (s *Server) RecordMessage(ctx context.Context, correlationID, messageID string) error {
	if messageID == "" {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_dedupe_results WHERE correlation_id = $1 AND message_id = $2`,
		correlationID, messageID).Scan(&exists)
	if err == nil {
		return ErrDuplicateMessage
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: record_message: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Server) AppendEvent(ctx context.Context, ev *Event) error {
	payloadJSON, err := json.Marshal(RedactMap(ev.Payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	var messageID any
	if ev.MessageID != "" {
		messageID = ev.MessageID
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO agent_conversation_events
		(correlation_id, event_type, payload, turn_number, timestamp, agent_id, message_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.CorrelationID, ev.EventType, payloadJSON, ev.TurnNumber, ts, ev.AgentID, messageID); err != nil {
		return fmt.Errorf("%w: append_event: %v", ErrBackendUnavailable, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_conversation_events
		WHERE correlation_id = $1 AND event_id NOT IN (
			SELECT event_id FROM agent_conversation_events
			WHERE correlation_id = $1 ORDER BY event_id DESC LIMIT $2
		)`, ev.CorrelationID, MaxEvents); err != nil {
		return fmt.Errorf("%w: trim events: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Server) ListEvents(ctx context.Context, correlationID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, correlation_id, event_type, payload,
		turn_number, timestamp, agent_id, message_id FROM agent_conversation_events
		WHERE correlation_id = $1 ORDER BY event_id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("%w: list_events: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var payload []byte
		var agentID, messageID sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.CorrelationID, &ev.EventType, &payload,
			&ev.TurnNumber, &ev.Timestamp, &agentID, &messageID); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrBackendUnavailable, err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &ev.Payload)
		}
		ev.AgentID = agentID.String
		ev.MessageID = messageID.String
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// factRedisKey scopes the Redis keyspace to a single correlation+bucket+key.
func factRedisKey(correlationID, bucket, key string) string {
	return fmt.Sprintf("pocket:%s:%s:%s", correlationID, bucket, key)
}

// factRedisBucketSet tracks membership so GetFacts can enumerate a bucket
// (Redis has no native "list keys matching a pattern that are still live"
// primitive cheap enough to use on the hot path).
func factRedisBucketSet(correlationID, bucket string) string {
	return fmt.Sprintf("pocket-keys:%s:%s", correlationID, bucket)
}

func (s *Server) PutFact(ctx context.Context, f *Fact) error {
	valueJSON, err := json.Marshal(RedactMap(f.Value))
	if err != nil {
		return fmt.Errorf("marshal fact value: %w", err)
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	record := struct {
		Value     json.RawMessage `json:"value"`
		Timestamp time.Time       `json:"timestamp"`
	}{Value: valueJSON, Timestamp: ts}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal fact record: %w", err)
	}

	key := factRedisKey(f.CorrelationID, f.Bucket, f.Key)
	setKey := factRedisBucketSet(f.CorrelationID, f.Bucket)

	var ttl time.Duration
	if f.TTLSeconds != nil {
		ttl = time.Duration(*f.TTLSeconds) * time.Second
		exp := ts.Add(ttl)
		f.ExpiresAt = &exp
	}
	if err := s.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: put_fact: %v", ErrBackendUnavailable, err)
	}
	if err := s.redis.ZAdd(ctx, setKey, redis.Z{Score: float64(ts.UnixNano()), Member: f.Key}).Err(); err != nil {
		return fmt.Errorf("%w: put_fact index: %v", ErrBackendUnavailable, err)
	}

	return s.evictOldestBeyondCap(ctx, f.CorrelationID, f.Bucket)
}

func (s *Server) evictOldestBeyondCap(ctx context.Context, correlationID, bucket string) error {
	setKey := factRedisBucketSet(correlationID, bucket)
	count, err := s.redis.ZCard(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("%w: evict facts count: %v", ErrBackendUnavailable, err)
	}
	excess := count - MaxFactsPerBucket
	if excess <= 0 {
		return nil
	}
	oldest, err := s.redis.ZRange(ctx, setKey, 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("%w: evict facts range: %v", ErrBackendUnavailable, err)
	}
	for _, k := range oldest {
		s.redis.Del(ctx, factRedisKey(correlationID, bucket, k))
		s.redis.ZRem(ctx, setKey, k)
	}
	return nil
}

func (s *Server) GetFacts(ctx context.Context, correlationID, bucket string) ([]*Fact, error) {
	setKey := factRedisBucketSet(correlationID, bucket)
	keys, err := s.redis.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get_facts index: %v", ErrBackendUnavailable, err)
	}

	var out []*Fact
	for _, k := range keys {
		raw, err := s.redis.Get(ctx, factRedisKey(correlationID, bucket, k)).Result()
		if errors.Is(err, redis.Nil) {
			// expired by Redis itself; drop from the index opportunistically.
			s.redis.ZRem(ctx, setKey, k)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get_facts: %v", ErrBackendUnavailable, err)
		}
		var record struct {
			Value     json.RawMessage `json:"value"`
			Timestamp time.Time       `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("%w: decode fact: %v", ErrSchemaViolation, err)
		}
		f := &Fact{CorrelationID: correlationID, Bucket: bucket, Key: k, Timestamp: record.Timestamp}
		_ = json.Unmarshal(record.Value, &f.Value)
		out = append(out, f)
	}
	return out, nil
}

func (s *Server) GenerateResumeToken(correlationID string, version int64, turn int) string {
	return GenerateResumeToken(correlationID, version, turn)
}

func (s *Server) ValidateResumeToken(ctx context.Context, token string) (bool, error) {
	parsed, err := parseResumeToken(token)
	if err != nil {
		return false, nil
	}
	c, err := s.GetContext(ctx, parsed.CorrelationID)
	if errors.Is(err, ErrContextNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.ContextVersion == parsed.Version, nil
}

func (s *Server) GetLastResult(ctx context.Context, correlationID, messageID string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT outputs FROM agent_dedupe_results
		WHERE correlation_id = $1 AND message_id = $2`, correlationID, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_last_result: %v", ErrBackendUnavailable, err)
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out, nil
}

func (s *Server) PutLastResult(ctx context.Context, correlationID, messageID string, outputs map[string]any) error {
	if messageID == "" {
		return nil
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO agent_dedupe_results (correlation_id, message_id, outputs)
		VALUES ($1,$2,$3) ON CONFLICT (correlation_id, message_id) DO NOTHING`,
		correlationID, messageID, raw); err != nil {
		return fmt.Errorf("%w: put_last_result: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *Server) Close() error {
	if err := s.redis.Close(); err != nil {
		return err
	}
	return s.db.Close()
}
