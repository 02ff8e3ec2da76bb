package bus

import "time"

// EventKind discriminates the payload of an Event.
type EventKind string

const (
	KindChunk      EventKind = "chunk"
	KindStatus     EventKind = "status"
	KindDone       EventKind = "done"
	KindError      EventKind = "error"
	KindCronResult EventKind = "cron_result"
)

// Phase values carried by status events.
const (
	PhaseStarted   = "started"
	PhaseInferring = "inferring"
	PhaseToolStart = "tool_start"
	PhaseToolDone  = "tool_done"
	PhaseDone      = "done"
	PhaseError     = "error"
)

// Event is a single bus message. Which fields are set depends on Kind:
//
//	chunk:       RunID, Text
//	status:      RunID, Phase, Details
//	done:        RunID, Text (final content)
//	error:       RunID, Err
//	cron_result: JobName, Text
type Event struct {
	Kind       EventKind         `json:"kind"`
	SessionKey string            `json:"session_key,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Text       string            `json:"text,omitempty"`
	Phase      string            `json:"phase,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Err        string            `json:"error,omitempty"`
	JobName    string            `json:"job_name,omitempty"`
	Time       time.Time         `json:"time"`
}

// InboundMessage represents a message received from a channel front-end.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	SessionKey string            `json:"session_key,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to deliver to a channel front-end.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"` // channel-native message id
}
