package tools

import (
	"context"
	"fmt"
)

// ChannelSender delivers outbound messages to chat channels. Implemented by
// the channel manager.
type ChannelSender interface {
	Send(ctx context.Context, channel, target, text, replyTo string) error
}

// MessageTool sends a message to a channel target outside the current
// conversation flow.
type MessageTool struct {
	sender ChannelSender
}

func NewMessageTool(sender ChannelSender) *MessageTool {
	return &MessageTool{sender: sender}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to a channel target, e.g. to notify a user proactively."
}

func (t *MessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel name (defaults to the current channel)",
			},
			"target": map[string]any{
				"type":        "string",
				"description": "Recipient identifier within the channel",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Message text",
			},
			"reply_to": map[string]any{
				"type":        "string",
				"description": "Message ID to reply to (optional)",
			},
		},
		"required": []string{"target", "text"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.sender == nil {
		return ErrorResult("channel sender not available")
	}
	target := strParam(params, "target")
	text := strParam(params, "text")
	if target == "" || text == "" {
		return ErrorResult("target and text are required")
	}
	channel := strParam(params, "channel")
	if channel == "" {
		channel = tc.Channel
	}
	if channel == "" {
		return ErrorResult("channel is required when the session has none")
	}
	if err := t.sender.Send(ctx, channel, target, text, strParam(params, "reply_to")); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Sent to %s:%s", channel, target))
}
