package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/store"
)

const defaultHistoryLimit = 200

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) GetOrCreate(ctx context.Context, key, channel, agentID string) (*store.Session, error) {
	sess, err := s.Get(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess = &store.Session{
		ID:           uuid.Must(uuid.NewV7()),
		Key:          key,
		Channel:      channel,
		State:        store.SessionActive,
		AgentID:      agentID,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, session_key, channel, state, agent_id, last_active_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_key) DO NOTHING`,
		sess.ID.String(), key, channel, sess.State, agentID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create session: %v", store.ErrPersistence, err)
	}
	// Re-read to cover the lost-race case.
	return s.Get(ctx, key)
}

func (s *SessionStore) Get(ctx context.Context, key string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_key, channel, state, agent_id, message_count,
		        input_tokens, output_tokens, last_active_at, created_at
		 FROM sessions WHERE session_key = ?`, key)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*store.Session, error) {
	var sess store.Session
	var id string
	err := row.Scan(&id, &sess.Key, &sess.Channel, &sess.State, &sess.AgentID,
		&sess.MessageCount, &sess.InputTokens, &sess.OutputTokens,
		&sess.LastActiveAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan session: %v", store.ErrPersistence, err)
	}
	sess.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: session id: %v", store.ErrPersistence, err)
	}
	return &sess, nil
}

func (s *SessionStore) AppendMessage(ctx context.Context, sessionID uuid.UUID, msg *store.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.Must(uuid.NewV7())
	}
	if msg.InsertedAt.IsZero() {
		msg.InsertedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("%w: marshal tool calls: %v", store.ErrPersistence, err)
		}
		toolCalls = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", store.ErrPersistence, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id,
		                       model, input_tokens, output_tokens, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), sessionID.String(), msg.Role, msg.Content, toolCalls,
		msg.ToolCallID, msg.Model, msg.InputTokens, msg.OutputTokens, msg.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert message: %v", store.ErrPersistence, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1 WHERE id = ?`,
		sessionID.String())
	if err != nil {
		return fmt.Errorf("%w: bump message count: %v", store.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *SessionStore) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	// Newest-first window, reversed to chronological below.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_call_id,
		        model, input_tokens, output_tokens, inserted_at
		 FROM messages WHERE session_id = ?
		 ORDER BY inserted_at DESC, id DESC LIMIT ?`,
		sessionID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var id, sid string
		var toolCalls sql.NullString
		err := rows.Scan(&id, &sid, &m.Role, &m.Content, &toolCalls, &m.ToolCallID,
			&m.Model, &m.InputTokens, &m.OutputTokens, &m.InsertedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan message: %v", store.ErrPersistence, err)
		}
		m.ID, _ = uuid.Parse(id)
		m.SessionID, _ = uuid.Parse(sid)
		if toolCalls.Valid && toolCalls.String != "" {
			var calls []providers.ToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err == nil {
				m.ToolCalls = calls
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history rows: %v", store.ErrPersistence, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SessionStore) Touch(ctx context.Context, key string, inputTokens, outputTokens int64, addedMessages int) error {
	_ = addedMessages // message_count maintained by AppendMessage
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?,
		        output_tokens = output_tokens + ?, last_active_at = ?
		 WHERE session_key = ?`,
		inputTokens, outputTokens, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("%w: touch: %v", store.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Archive(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ? WHERE session_key = ?`,
		store.SessionArchived, key)
	if err != nil {
		return fmt.Errorf("%w: archive: %v", store.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context, agentID string) ([]store.Session, error) {
	q := `SELECT id, session_key, channel, state, agent_id, message_count,
	             input_tokens, output_tokens, last_active_at, created_at
	      FROM sessions`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY last_active_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		var sess store.Session
		var id string
		err := rows.Scan(&id, &sess.Key, &sess.Channel, &sess.State, &sess.AgentID,
			&sess.MessageCount, &sess.InputTokens, &sess.OutputTokens,
			&sess.LastActiveAt, &sess.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", store.ErrPersistence, err)
		}
		sess.ID, _ = uuid.Parse(id)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) LastActiveForAgent(ctx context.Context, agentID string) (*store.Session, error) {
	q := `SELECT id, session_key, channel, state, agent_id, message_count,
	             input_tokens, output_tokens, last_active_at, created_at
	      FROM sessions
	      WHERE state = 'active'
	        AND session_key NOT LIKE 'cron:%'
	        AND session_key NOT LIKE 'subagent:%'`
	args := []any{}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY last_active_at DESC LIMIT 1`
	return scanSession(s.db.QueryRowContext(ctx, q, args...))
}
