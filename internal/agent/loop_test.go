package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/chunker"
	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/store"
	"github.com/seaclaw/seaclaw/internal/tools"
)

// scriptedProvider replays a fixed sequence of responses. When the script
// runs out the last response repeats, which lets the cap tests loop forever.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     int
	blockCtx  bool          // block until ctx is canceled
	entered   chan struct{} // closed when the first call starts streaming
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if p.entered != nil {
		select {
		case <-p.entered:
		default:
			close(p.entered)
		}
	}
	if p.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	resp := p.responses[idx]
	p.mu.Unlock()

	if resp.Content != "" && onChunk != nil {
		onChunk(providers.StreamChunk{Content: resp.Content})
	}
	return resp, nil
}

// echoTool records its params and returns a fixed payload.
type echoTool struct {
	mu     sync.Mutex
	params []map[string]any
}

func (t *echoTool) Name() string                { return "echo" }
func (t *echoTool) Description() string         { return "echo test tool" }
func (t *echoTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (t *echoTool) Execute(_ context.Context, params map[string]any, _ *tools.Context) *tools.Result {
	t.mu.Lock()
	t.params = append(t.params, params)
	t.mu.Unlock()
	return tools.NewResult("echo: " + params["text"].(string))
}

// stallTool blocks until its context is done.
type stallTool struct {
	started chan struct{}
}

func (t *stallTool) Name() string               { return "stall" }
func (t *stallTool) Description() string        { return "blocks forever" }
func (t *stallTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (t *stallTool) Execute(ctx context.Context, _ map[string]any, _ *tools.Context) *tools.Result {
	if t.started != nil {
		close(t.started)
	}
	<-ctx.Done()
	return tools.ErrorResult("interrupted")
}

func textResp(content string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolResp(name string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "call_1", Name: name, Arguments: args}},
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func newTestLoop(t *testing.T, p providers.Provider, reg *tools.Registry, opts func(*Config)) (*Loop, *store.MemSessionStore, *bus.Bus) {
	t.Helper()
	sessions := store.NewMemSessionStore()
	b := bus.New()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	cfg := Config{
		AgentID:  "test-agent",
		Provider: p,
		Bus:      b,
		Sessions: sessions,
		Tools:    reg,
		Chunking: chunker.Config{MinChars: 10, MaxChars: 50},
	}
	if opts != nil {
		opts(&cfg)
	}
	l := NewLoop(cfg)
	t.Cleanup(l.Close)
	return l, sessions, b
}

func TestRunTextOnly(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResp("The answer is 42.")}}
	l, sessions, b := newTestLoop(t, p, nil, nil)

	events, cancel := b.Subscribe(bus.AgentTopic("cli:alice"))
	defer cancel()

	res, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:alice", Channel: "cli", Message: "what is the answer?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "The answer is 42." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", res.Usage)
	}

	// user + assistant persisted in order
	sess, err := sessions.Get(context.Background(), "cli:alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	msgs, _ := sessions.History(context.Background(), sess.ID, 0)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("history roles wrong: %+v", msgs)
	}
	if msgs[1].Content != "The answer is 42." {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}

	// the stream ends with done after at least one chunk
	var sawChunk, sawDone bool
	timeout := time.After(time.Second)
	for !sawDone {
		select {
		case ev := <-events:
			switch ev.Kind {
			case bus.KindChunk:
				sawChunk = true
			case bus.KindDone:
				sawDone = true
			}
		case <-timeout:
			t.Fatal("no done event")
		}
	}
	if !sawChunk {
		t.Error("no chunk event before done")
	}
}

func TestRunSingleToolTurn(t *testing.T) {
	echo := &echoTool{}
	reg := tools.NewRegistry()
	reg.MustRegister(echo)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResp("echo", map[string]any{"text": "ping"}),
		textResp("Tool said: echo: ping"),
	}}
	l, sessions, _ := newTestLoop(t, p, reg, nil)

	res, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:bob", Channel: "cli", Message: "use the tool"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "Tool said: echo: ping" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if len(echo.params) != 1 || echo.params[0]["text"] != "ping" {
		t.Errorf("tool params = %+v", echo.params)
	}

	sess, _ := sessions.Get(context.Background(), "cli:bob")
	msgs, _ := sessions.History(context.Background(), sess.ID, 0)
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("history len = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("msg[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool message call id = %q", msgs[2].ToolCallID)
	}
}

func TestRunIterationCap(t *testing.T) {
	echo := &echoTool{}
	reg := tools.NewRegistry()
	reg.MustRegister(echo)

	// The script never stops asking for tools.
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResp("echo", map[string]any{"text": "again"}),
	}}
	l, sessions, _ := newTestLoop(t, p, reg, func(cfg *Config) {
		cfg.MaxIterations = 3
	})

	res, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:cap", Channel: "cli", Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Capped {
		t.Error("expected capped result")
	}
	if res.Content != tooManyTools {
		t.Errorf("content = %q, want sentinel", res.Content)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	// Two tool rounds happen before the third inference trips the cap.
	if len(echo.params) != 2 {
		t.Errorf("tool executions = %d, want 2", len(echo.params))
	}

	// The sentinel is the persisted final answer, and the capped iteration's
	// undispatched tool calls never reach the store: replaying this history
	// must not contain a tool call without its result.
	sess, _ := sessions.Get(context.Background(), "cli:cap")
	msgs, _ := sessions.History(context.Background(), sess.ID, 0)
	if len(msgs) != 6 {
		t.Fatalf("history len = %d, want 6", len(msgs))
	}
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" || last.Content != tooManyTools {
		t.Errorf("final message = %q %q, want sentinel assistant", last.Role, last.Content)
	}
	if len(last.ToolCalls) != 0 {
		t.Errorf("final message carries %d tool calls", len(last.ToolCalls))
	}
	var calls, results int
	for _, m := range msgs {
		calls += len(m.ToolCalls)
		if m.Role == "tool" {
			results++
		}
	}
	if calls != results {
		t.Errorf("history has %d tool calls but %d tool results", calls, results)
	}
}

func TestCancelQueuedRunLeavesActiveRunAlone(t *testing.T) {
	p := &scriptedProvider{blockCtx: true, entered: make(chan struct{})}
	l, _, _ := newTestLoop(t, p, nil, nil)

	firstErr := make(chan error, 1)
	go func() {
		_, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:q", Channel: "cli", Message: "first"})
		firstErr <- err
	}()
	select {
	case <-p.entered:
	case <-time.After(time.Second):
		t.Fatal("first run never reached inference")
	}

	ctx, cancel := context.WithCancel(context.Background())
	secondErr := make(chan error, 1)
	go func() {
		_, err := l.Run(ctx, RunRequest{SessionKey: "cli:q", Channel: "cli", Message: "second"})
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the second run queue behind the first
	cancel()

	select {
	case err := <-secondErr:
		if !errors.Is(err, ErrRunCanceled) {
			t.Fatalf("queued run err = %v, want ErrRunCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued run not canceled")
	}

	// The active run is untouched by the targeted cancel.
	select {
	case err := <-firstErr:
		t.Fatalf("active run finished early: %v", err)
	default:
	}
	l.Stop("shutting down")
	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrRunCanceled) {
			t.Fatalf("active run err = %v, want ErrRunCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("active run did not stop")
	}
}

func TestRunTimeout(t *testing.T) {
	p := &scriptedProvider{blockCtx: true}
	l, _, _ := newTestLoop(t, p, nil, func(cfg *Config) {
		cfg.RunTimeout = 50 * time.Millisecond
	})

	_, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:slow", Channel: "cli", Message: "hang"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestStopCancelsToolExecution(t *testing.T) {
	stall := &stallTool{started: make(chan struct{})}
	reg := tools.NewRegistry()
	reg.MustRegister(stall)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResp("stall", map[string]any{}),
		textResp("never reached"),
	}}
	l, _, _ := newTestLoop(t, p, reg, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:stop", Channel: "cli", Message: "go"})
		errCh <- err
	}()

	select {
	case <-stall.started:
	case <-time.After(time.Second):
		t.Fatal("tool never started")
	}
	l.Stop("user requested stop")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRunCanceled) {
			t.Fatalf("err = %v, want ErrRunCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not finish after stop")
	}
}

func TestPersistenceFailureAbortsRun(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResp("hi")}}
	l, sessions, _ := newTestLoop(t, p, nil, nil)

	sessions.FailNextAppend(store.ErrPersistence)
	_, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:db", Channel: "cli", Message: "hello"})
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
}

func TestRunsQueueInOrder(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResp("done")}}
	l, sessions, _ := newTestLoop(t, p, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Run(context.Background(), RunRequest{SessionKey: "cli:queue", Channel: "cli", Message: "turn"}); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, _ := sessions.Get(context.Background(), "cli:queue")
	msgs, _ := sessions.History(context.Background(), sess.ID, 0)
	// 3 turns × (user + assistant)
	if len(msgs) != 6 {
		t.Fatalf("history len = %d, want 6", len(msgs))
	}
}

func TestToolNameRemapRoundTrip(t *testing.T) {
	remap := remapForProvider["google"]
	if remap["exec"] != "run_command" {
		t.Fatalf("remap table changed: %+v", remap)
	}
	l := &Loop{provider: &scriptedProvider{}}
	if got := l.canonicalToolName("anything"); got != "anything" {
		t.Errorf("unmapped name changed: %q", got)
	}
}
