package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"sort"
	"sync"
)

// ErrToolNotFound is wrapped into the error result for unknown tool names.
var ErrToolNotFound = errors.New("tool not found")

// Registry holds the tool set exposed to a loop. Registration happens at
// startup; lookups and execution are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate or invalid names are rejected so a
// misconfigured tool set fails loudly at startup.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if !validToolName(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// MustRegister is Register for the built-in set, where a failure is a
// programming error.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools passing the allow/deny glob filters, sorted by
// name. An empty allow list means allow everything; deny wins over allow.
func (r *Registry) List(allow, deny []string) []Tool {
	if len(allow) == 0 {
		allow = []string{"*"}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for name, t := range r.tools {
		if !matchAny(allow, name) || matchAny(deny, name) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute runs the named tool, converting panics and unknown names into
// error results. It never returns nil.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, tc *Context) (res *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("Tool %q not found", name)).WithError(ErrToolNotFound)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec, "stack", string(debug.Stack()))
			res = ErrorResult(fmt.Sprintf("Tool %q panicked: %v", name, rec))
		}
	}()

	if params == nil {
		params = map[string]any{}
	}
	res = t.Execute(ctx, params, tc)
	if res == nil {
		res = ErrorResult(fmt.Sprintf("Tool %q returned no result", name))
	}
	return res
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func validToolName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
