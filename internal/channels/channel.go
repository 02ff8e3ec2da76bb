// Package channels is the outbound messaging layer. A Channel binds one
// delivery protocol; the Manager owns their lifecycle and rate-limits
// outbound sends per conversation. Concrete platform bindings live outside
// this module — the gateway registers whatever channels it is built with.
package channels

import "context"

// InternalChannels never dispatch outbound: their traffic stays inside the
// runtime (REPL output, cron fan-out, sub-agent announcements).
var InternalChannels = map[string]bool{
	"cli":      true,
	"system":   true,
	"subagent": true,
	"cron":     true,
}

// IsInternal reports whether name is an internal channel.
func IsInternal(name string) bool {
	return InternalChannels[name]
}

// Message is one outbound delivery. ReplyTo optionally names the inbound
// message this responds to; channels that cannot thread ignore it.
type Message struct {
	Channel string
	Target  string // chat / peer identifier within the channel
	Text    string
	ReplyTo string
}

// Channel is implemented by every delivery protocol binding.
type Channel interface {
	Name() string
	// Start begins receiving; non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	IsRunning() bool
}

// Truncate shortens s to maxLen runes of bytes, appending an ellipsis.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
