package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seaclaw/seaclaw/internal/store"
)

// SessionGateway is the narrow surface the session tools need from the
// worker registry. The gateway wires an adapter in at startup; tools never
// import the sessions package directly.
type SessionGateway interface {
	// Send delivers text to the session identified by key and waits for the
	// agent's final answer.
	Send(ctx context.Context, key, text string) (string, error)
	// Spawn runs a task in an isolated sub-agent session and returns its
	// final answer.
	Spawn(ctx context.Context, label, task string, parent *Context) (string, error)
}

const sendWaitTimeout = 60 * time.Second

// ============================================================
// sessions_list
// ============================================================

type SessionsListTool struct {
	sessions store.SessionStore
}

func NewSessionsListTool(sessions store.SessionStore) *SessionsListTool {
	return &SessionsListTool{sessions: sessions}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions for this agent with optional filters."
}

func (t *SessionsListTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]any{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	limit := intParam(params, "limit", 20)
	activeMinutes := intParam(params, "active_minutes", 0)

	sessions, err := t.sessions.List(ctx, tc.AgentID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list sessions: %v", err)).WithError(err)
	}
	if activeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(activeMinutes) * time.Minute)
		var filtered []store.Session
		for _, s := range sessions {
			if s.LastActiveAt.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}

	if len(sessions) == 0 {
		return SilentResult("No sessions found.")
	}
	var b strings.Builder
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s  state=%s messages=%d last_active=%s\n",
			s.Key, s.State, s.MessageCount, s.LastActiveAt.Format(time.RFC3339))
	}
	return SilentResult(b.String())
}

// ============================================================
// sessions_history
// ============================================================

type SessionsHistoryTool struct {
	sessions store.SessionStore
}

func NewSessionsHistoryTool(sessions store.SessionStore) *SessionsHistoryTool {
	return &SessionsHistoryTool{sessions: sessions}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Show the recent message history of a session."
}

func (t *SessionsHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_key": map[string]any{
				"type":        "string",
				"description": "Session key, e.g. \"telegram:12345\"",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Max messages to return (default 20)",
			},
		},
		"required": []string{"session_key"},
	}
}

func (t *SessionsHistoryTool) Execute(ctx context.Context, params map[string]any, _ *Context) *Result {
	if t.sessions == nil {
		return ErrorResult("session store not available")
	}
	key := strParam(params, "session_key")
	if key == "" {
		return ErrorResult("session_key is required")
	}
	limit := intParam(params, "limit", 20)

	sess, err := t.sessions.Get(ctx, key)
	if err != nil {
		return ErrorResult(fmt.Sprintf("session %q not found", key)).WithError(err)
	}
	msgs, err := t.sessions.History(ctx, sess.ID, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to load history: %v", err)).WithError(err)
	}
	if len(msgs) == 0 {
		return SilentResult("(no messages)")
	}

	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.InsertedAt.Format("15:04:05"), m.Role, content)
	}
	return SilentResult(b.String())
}

// ============================================================
// sessions_send
// ============================================================

type SessionsSendTool struct {
	gateway SessionGateway
}

func NewSessionsSendTool(gw SessionGateway) *SessionsSendTool {
	return &SessionsSendTool{gateway: gw}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message to another session and wait for its reply."
}

func (t *SessionsSendTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_key": map[string]any{
				"type":        "string",
				"description": "Target session key",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message to deliver",
			},
		},
		"required": []string{"session_key", "message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.gateway == nil {
		return ErrorResult("session gateway not available")
	}
	key := strParam(params, "session_key")
	message := strParam(params, "message")
	if key == "" || message == "" {
		return ErrorResult("session_key and message are required")
	}
	if key == tc.SessionKey {
		return ErrorResult("cannot send a message to the current session")
	}

	ctx, cancel := context.WithTimeout(ctx, sendWaitTimeout)
	defer cancel()

	reply, err := t.gateway.Send(ctx, key, message)
	if err != nil {
		return ErrorResult(fmt.Sprintf("send to %q failed: %v", key, err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Reply from %s:\n%s", key, reply))
}

// ============================================================
// sessions_spawn
// ============================================================

type SessionsSpawnTool struct {
	gateway SessionGateway
}

func NewSessionsSpawnTool(gw SessionGateway) *SessionsSpawnTool {
	return &SessionsSpawnTool{gateway: gw}
}

func (t *SessionsSpawnTool) Name() string { return "sessions_spawn" }
func (t *SessionsSpawnTool) Description() string {
	return "Run a task in an isolated sub-agent session and return its result."
}

func (t *SessionsSpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "Task for the sub-agent to perform",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Short label for the sub-agent session (optional)",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SessionsSpawnTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.gateway == nil {
		return ErrorResult("session gateway not available")
	}
	task := strParam(params, "task")
	if task == "" {
		return ErrorResult("task is required")
	}
	label := strParam(params, "label")

	answer, err := t.gateway.Spawn(ctx, label, task, tc)
	if err != nil {
		return ErrorResult(fmt.Sprintf("sub-agent failed: %v", err)).WithError(err)
	}
	return SilentResult(answer)
}
