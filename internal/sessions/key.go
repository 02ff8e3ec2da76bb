package sessions

import "strings"

// Session keys identify one conversation. The canonical form is
// "<channel>:<peer>"; cron runs and sub-agents get reserved prefixes so they
// never collide with real peers.

const (
	cronPrefix     = "cron:"
	subagentPrefix = "subagent:"
)

// Key builds the canonical session key for a channel peer.
func Key(channel, peer string) string {
	return channel + ":" + peer
}

// CronKey builds the isolated session key for one cron run.
func CronKey(jobID, runID string) string {
	return cronPrefix + jobID + ":" + runID
}

// SubagentKey builds the session key for a spawned sub-agent.
func SubagentKey(label string) string {
	return subagentPrefix + label
}

func IsCron(key string) bool     { return strings.HasPrefix(key, cronPrefix) }
func IsSubagent(key string) bool { return strings.HasPrefix(key, subagentPrefix) }

// Split returns the channel and peer of a canonical key. Reserved-prefix
// keys return their prefix name as the channel.
func Split(key string) (channel, peer string) {
	channel, peer, _ = strings.Cut(key, ":")
	return channel, peer
}
