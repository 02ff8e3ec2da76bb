package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, params map[string]any, tc *Context) *Result
}

func (t *fakeTool) Name() string               { return t.name }
func (t *fakeTool) Description() string        { return "fake tool " + t.name }
func (t *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *fakeTool) Execute(ctx context.Context, params map[string]any, tc *Context) *Result {
	if t.execute == nil {
		return SilentResult("ok")
	}
	return t.execute(ctx, params, tc)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&fakeTool{name: "good_tool_2"}); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if err := r.Register(&fakeTool{name: "good_tool_2"}); err == nil {
		t.Error("duplicate registration accepted")
	}
	for _, bad := range []string{"", "has space", "has-dash", "dot.name"} {
		if err := r.Register(&fakeTool{name: bad}); err == nil {
			t.Errorf("invalid name %q accepted", bad)
		}
	}
}

func TestListGlobFilters(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		&fakeTool{name: "read_file"},
		&fakeTool{name: "write_file"},
		&fakeTool{name: "exec"},
		&fakeTool{name: "sessions_list"},
	)

	names := func(ts []Tool) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.Name())
		}
		return out
	}

	tests := []struct {
		allow, deny []string
		want        []string
	}{
		{nil, nil, []string{"exec", "read_file", "sessions_list", "write_file"}},
		{[]string{"*_file"}, nil, []string{"read_file", "write_file"}},
		{nil, []string{"exec"}, []string{"read_file", "sessions_list", "write_file"}},
		// deny wins over allow
		{[]string{"*"}, []string{"sessions_*"}, []string{"exec", "read_file", "write_file"}},
		{[]string{"nomatch"}, nil, nil},
	}
	for _, tt := range tests {
		got := names(r.List(tt.allow, tt.deny))
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("List(%v, %v) = %v, want %v", tt.allow, tt.deny, got, tt.want)
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil, &Context{})
	if res == nil || !res.IsError {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, ErrToolNotFound) {
		t.Errorf("err = %v, want ErrToolNotFound", res.Err)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&fakeTool{
		name: "boom",
		execute: func(context.Context, map[string]any, *Context) *Result {
			panic("kaput")
		},
	})

	res := r.Execute(context.Background(), "boom", nil, &Context{})
	if !res.IsError || !strings.Contains(res.ForLLM, "kaput") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteGuardsNilParamsAndResult(t *testing.T) {
	r := NewRegistry()
	var seen map[string]any
	r.MustRegister(
		&fakeTool{
			name: "echo_params",
			execute: func(_ context.Context, params map[string]any, _ *Context) *Result {
				seen = params
				return SilentResult("ok")
			},
		},
		&fakeTool{
			name: "returns_nil",
			execute: func(context.Context, map[string]any, *Context) *Result {
				return nil
			},
		},
	)

	r.Execute(context.Background(), "echo_params", nil, &Context{})
	if seen == nil {
		t.Error("nil params not replaced with empty map")
	}

	res := r.Execute(context.Background(), "returns_nil", nil, &Context{})
	if res == nil || !res.IsError {
		t.Errorf("nil result not converted: %+v", res)
	}
}
