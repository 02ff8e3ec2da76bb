// Package tools defines the tool contract exposed to the agent loop and the
// built-in tool set. Tools are self-contained: each validates its own
// parameters and returns a Result rather than an error, so a misbehaving
// tool never aborts the run.
package tools

import "context"

// Tool is implemented by everything the agent can call.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema object for the tool's arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, params map[string]any, tc *Context) *Result
}

// Context carries the identity of the run a tool executes within. Tools
// receive it explicitly rather than digging values out of ctx.
type Context struct {
	SessionID  string
	SessionKey string
	RunID      string
	AgentID    string
	Channel    string
}

// Param helpers. Tool params arrive as decoded JSON, so everything is
// map[string]any / float64 / string underneath.

func strParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}
