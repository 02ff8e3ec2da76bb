// Package store defines the persistence contracts for sessions, messages
// and cron jobs, plus the shared row types. Concrete backends live in the
// sqlite and pg subpackages; an in-memory backend backs the tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/providers"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistence wraps backend failures that abort the current run.
	ErrPersistence = errors.New("persistence failure")
)

// Session states.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Session is one logical conversation, identified by a stable key.
type Session struct {
	ID           uuid.UUID `json:"id"`
	Key          string    `json:"key"` // "<channel>:<peer>", "cron:<job>:<run>", ...
	Channel      string    `json:"channel,omitempty"`
	State        string    `json:"state"`
	AgentID      string    `json:"agent_id,omitempty"`
	MessageCount int64     `json:"message_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is one append-only conversation entry. Ordering within a session
// is by InsertedAt.
type Message struct {
	ID           uuid.UUID            `json:"id"`
	SessionID    uuid.UUID            `json:"session_id"`
	Role         string               `json:"role"` // "user", "assistant", "tool", "system"
	Content      string               `json:"content"`
	ToolCalls    []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string               `json:"tool_call_id,omitempty"`
	Model        string               `json:"model,omitempty"`
	InputTokens  int                  `json:"input_tokens,omitempty"`
	OutputTokens int                  `json:"output_tokens,omitempty"`
	InsertedAt   time.Time            `json:"inserted_at"`
}

// SessionStore manages session rows and their message logs.
type SessionStore interface {
	// GetOrCreate returns the session for key, creating an active row on
	// first use.
	GetOrCreate(ctx context.Context, key, channel, agentID string) (*Session, error)

	// Get returns the session for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Session, error)

	// AppendMessage persists one message. Assigns ID/InsertedAt when unset.
	AppendMessage(ctx context.Context, sessionID uuid.UUID, msg *Message) error

	// History returns the most recent messages in chronological order,
	// capped at limit (0 = backend default).
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error)

	// Touch updates running counters and the last-activity timestamp.
	Touch(ctx context.Context, key string, inputTokens, outputTokens int64, addedMessages int) error

	// Archive marks the session archived. The worker is terminated
	// separately by the registry.
	Archive(ctx context.Context, key string) error

	// Delete removes the session row and its messages.
	Delete(ctx context.Context, key string) error

	// List returns sessions, optionally filtered by agent.
	List(ctx context.Context, agentID string) ([]Session, error)

	// LastActiveForAgent returns the most recently active non-cron,
	// non-subagent session for an agent, or ErrNotFound.
	LastActiveForAgent(ctx context.Context, agentID string) (*Session, error)
}

// Cron payload strategies.
const (
	CronPayloadSystemEvent = "system_event"
	CronPayloadAgentTurn   = "agent_turn"
)

// Cron cleanup policies for agent_turn sessions.
const (
	CronCleanupDelete = "delete"
	CronCleanupKeep   = "keep"
)

// Cron run statuses.
const (
	CronRunRunning   = "running"
	CronRunCompleted = "completed"
	CronRunFailed    = "failed"
	CronRunTimeout   = "timeout"
)

// NotifyTarget identifies one delivery destination for a cron result.
type NotifyTarget struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

// CronJob is a scheduled agent invocation.
type CronJob struct {
	ID               uuid.UUID      `json:"id"`
	Name             string         `json:"name"`
	Schedule         string         `json:"schedule"` // cron expression
	Command          string         `json:"command"`
	PayloadType      string         `json:"payload_type"` // system_event | agent_turn
	SessionKey       string         `json:"session_key,omitempty"`
	ResultSessionKey string         `json:"result_session_key,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	Cleanup          string         `json:"cleanup"` // delete | keep
	TimeoutSeconds   int            `json:"timeout_seconds"`
	Notify           []NotifyTarget `json:"notify,omitempty"`
	Enabled          bool           `json:"enabled"`
	RunCount         int64          `json:"run_count"`
	LastRunAt        *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt        *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CronRun records one execution of a job.
type CronRun struct {
	ID         uuid.UUID  `json:"id"`
	JobID      uuid.UUID  `json:"job_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// CronStore manages cron jobs and their run records.
type CronStore interface {
	CreateJob(ctx context.Context, job *CronJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*CronJob, error)
	ListJobs(ctx context.Context, enabledOnly bool) ([]CronJob, error)
	UpdateJob(ctx context.Context, job *CronJob) error
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// DueJobs returns enabled jobs whose next_run_at is at or before now.
	DueJobs(ctx context.Context, now time.Time) ([]CronJob, error)

	StartRun(ctx context.Context, jobID uuid.UUID) (*CronRun, error)
	FinishRun(ctx context.Context, runID uuid.UUID, status, output, errMsg string) error
	ListRuns(ctx context.Context, jobID uuid.UUID, limit int) ([]CronRun, error)
}

// Stores bundles the storage backends handed around at startup.
type Stores struct {
	Sessions SessionStore
	Cron     CronStore
}
