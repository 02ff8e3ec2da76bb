package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/seaclaw/seaclaw/internal/memory"
)

// MemorySearchTool queries the long-term memory backend.
type MemorySearchTool struct {
	backend memory.Backend
}

func NewMemorySearchTool(backend memory.Backend) *MemorySearchTool {
	return &MemorySearchTool{backend: backend}
}

func (t *MemorySearchTool) Name() string        { return "memory_search" }
func (t *MemorySearchTool) Description() string { return "Search long-term memory" }
func (t *MemorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Max results (default 10)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, params map[string]any, _ *Context) *Result {
	if t.backend == nil {
		return ErrorResult("memory backend not available")
	}
	query := strParam(params, "query")
	if query == "" {
		return ErrorResult("query is required")
	}
	entries, err := t.backend.Search(ctx, query, memory.SearchOptions{
		Limit: intParam(params, "limit", 10),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(entries) == 0 {
		return SilentResult("No memories found.")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s", e.Content)
		if e.Source != "" {
			fmt.Fprintf(&b, " (from %s)", e.Source)
		}
		b.WriteByte('\n')
	}
	return SilentResult(b.String())
}

// MemoryStoreTool saves an entry to long-term memory.
type MemoryStoreTool struct {
	backend memory.Backend
}

func NewMemoryStoreTool(backend memory.Backend) *MemoryStoreTool {
	return &MemoryStoreTool{backend: backend}
}

func (t *MemoryStoreTool) Name() string        { return "memory_store" }
func (t *MemoryStoreTool) Description() string { return "Save a fact to long-term memory" }
func (t *MemoryStoreTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "Fact to remember",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional tags",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.backend == nil {
		return ErrorResult("memory backend not available")
	}
	content := strParam(params, "content")
	if content == "" {
		return ErrorResult("content is required")
	}
	var tags []string
	if raw, ok := params["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	id, err := t.backend.Store(ctx, memory.Entry{
		Content: content,
		Source:  tc.SessionKey,
		Tags:    tags,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory store failed: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("Stored memory %s", id))
}
