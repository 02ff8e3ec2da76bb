package agent

import (
	"strings"
	"time"
)

const basePrompt = `You are a helpful assistant running inside the seaclaw gateway.
You can call tools to read and write files, run commands, fetch web pages,
manage scheduled jobs, message other sessions and control a browser.
Use tools when they help; answer directly when they do not.
Keep answers concise. Current time: `

// buildSystemPrompt composes the loop's system prompt with the per-run
// extra (used by cron runs and sub-agents).
func (l *Loop) buildSystemPrompt(extra string) string {
	prompt := l.systemPrompt
	if prompt == "" {
		prompt = basePrompt + time.Now().Format(time.RFC1123)
	}
	if extra != "" {
		prompt = prompt + "\n\n" + strings.TrimSpace(extra)
	}
	return prompt
}
