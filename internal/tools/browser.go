package tools

import (
	"context"
	"fmt"
)

// BrowserController is the surface the browser tool needs from the
// controller. Do dispatches a named operation with its parameters and
// returns a textual result.
type BrowserController interface {
	Do(ctx context.Context, action string, params map[string]any) (string, error)
}

var browserActions = []string{
	"start", "stop", "status",
	"tabs", "open", "close", "focus",
	"navigate", "snapshot", "screenshot",
	"click", "type", "press", "hover", "select", "fill", "drag", "wait",
	"eval", "upload", "dialog",
}

// BrowserTool exposes the browser controller to the agent as one tool with
// an action discriminator.
type BrowserTool struct {
	controller BrowserController
}

func NewBrowserTool(controller BrowserController) *BrowserTool {
	return &BrowserTool{controller: controller}
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Control a headless browser: navigate, inspect pages, click, type, screenshot."
}

func (t *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        browserActions,
				"description": "Browser operation to perform",
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL (navigate/open)",
			},
			"selector": map[string]any{
				"type":        "string",
				"description": "CSS selector (click/type/hover/select/fill/wait/upload)",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Text to type or key to press",
			},
			"value": map[string]any{
				"type":        "string",
				"description": "Value for select/fill, JS for eval, file path for upload",
			},
			"tab_id": map[string]any{
				"type":        "string",
				"description": "Tab to operate on (defaults to the focused tab)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, params map[string]any, _ *Context) *Result {
	if t.controller == nil {
		return ErrorResult("browser controller not available")
	}
	action := strParam(params, "action")
	if action == "" {
		return ErrorResult("action is required")
	}
	out, err := t.controller.Do(ctx, action, params)
	if err != nil {
		return ErrorResult(fmt.Sprintf("browser %s failed: %v", action, err)).WithError(err)
	}
	if out == "" {
		out = "ok"
	}
	return SilentResult(out)
}
