// Package protocol defines the wire-level event names shared between the
// gateway and its WebSocket clients. Kept dependency-free so external
// clients can import it.
package protocol

// ProtocolVersion is bumped on breaking changes to the WS payload shapes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventCron     = "cron"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.phase).
const (
	AgentEventStarted   = "started"
	AgentEventInferring = "inferring"
	AgentEventToolStart = "tool_start"
	AgentEventToolDone  = "tool_done"
	AgentEventDone      = "done"
	AgentEventError     = "error"
)

// Chat event subtypes (in payload.type).
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
)
