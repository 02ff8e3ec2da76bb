// Package agent implements the execution loop driving one session's
// conversation: load history, stream an inference, execute requested tools,
// feed the results back, repeat until the model answers in plain text.
//
// The loop is a small state machine (idle → preparing → inferring →
// executing_tools → inferring → ... → idle). All transitions happen on a
// single event goroutine; the blocking stages (store access, the LLM call,
// tool execution) run in their own goroutines and post completion events
// back to the inbox. Events carrying a stale run ID are dropped, which is
// what makes cancellation and timeouts race-free.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/chunker"
	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/store"
	"github.com/seaclaw/seaclaw/internal/tools"
)

const (
	defaultMaxIterations = 50
	defaultHistoryLimit  = 100
	defaultRunTimeout    = 10 * time.Minute
	defaultMaxTokens     = 8192
	defaultTemperature   = 0.7
	defaultToolDeadline  = 60 * time.Second

	// noResponse stands in for an empty final answer so channels always
	// have something to deliver.
	noResponse = "[No response from AI]"
	// tooManyTools is the final answer when the iteration cap trips. The
	// run still counts as successful.
	tooManyTools = "[Stopped: too many tool calls]"
)

var (
	ErrLoopClosed  = errors.New("agent loop closed")
	ErrRunCanceled = errors.New("run canceled")
)

// tracer is a no-op until telemetry installs a real provider.
var tracer = otel.Tracer("seaclaw/agent")

// remapForProvider maps canonical tool names to vendor-safe aliases. Tools
// are advertised under the alias and mapped back before dispatch, so the
// registry only ever sees canonical names.
var remapForProvider = map[string]map[string]string{
	"google": {
		"exec": "run_command",
	},
}

// Config configures a Loop. Provider, Sessions and Tools are required.
type Config struct {
	AgentID      string
	Provider     providers.Provider
	Model        string // empty = provider default
	SystemPrompt string // empty = built-in default

	MaxIterations int
	HistoryLimit  int
	RunTimeout    time.Duration
	ToolDeadline  time.Duration
	MaxTokens     int
	Temperature   float64

	Bus      *bus.Bus
	Sessions store.SessionStore
	Tools    *tools.Registry

	AllowTools []string
	DenyTools  []string

	Chunking chunker.Config
}

// Loop drives agent runs for one session worker. Runs are serialized: a run
// arriving while another is active queues behind it.
type Loop struct {
	id           string
	provider     providers.Provider
	model        string
	systemPrompt string

	maxIterations int
	historyLimit  int
	runTimeout    time.Duration
	toolDeadline  time.Duration
	maxTokens     int
	temperature   float64

	bus      *bus.Bus
	sessions store.SessionStore
	tools    *tools.Registry
	allow    []string
	deny     []string
	chunkCfg chunker.Config

	events chan event
	quit   chan struct{}
	once   sync.Once

	// Owned by the event goroutine.
	state State
	cur   *activeRun
	queue []runEvent
}

type activeRun struct {
	id     string
	req    RunRequest
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	done   chan runOutcome
	span   trace.Span

	session   *store.Session
	messages  []providers.Message
	chunks    *chunker.Chunker
	usage     providers.Usage
	iteration int
	started   time.Time
}

// RunRequest is one turn to execute.
type RunRequest struct {
	SessionKey   string
	Channel      string
	Message      string
	RunID        string // assigned when empty
	HistoryLimit int
	Timeout      time.Duration // overrides the loop default
	ExtraSystem  string        // appended to the system prompt for this run
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	RunID      string
	Content    string
	Usage      providers.Usage
	Iterations int
	Capped     bool // hit the iteration cap
}

type runOutcome struct {
	res *RunResult
	err error
}

func NewLoop(cfg Config) *Loop {
	l := &Loop{
		id:            cfg.AgentID,
		provider:      cfg.Provider,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		historyLimit:  cfg.HistoryLimit,
		runTimeout:    cfg.RunTimeout,
		toolDeadline:  cfg.ToolDeadline,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		bus:           cfg.Bus,
		sessions:      cfg.Sessions,
		tools:         cfg.Tools,
		allow:         cfg.AllowTools,
		deny:          cfg.DenyTools,
		chunkCfg:      cfg.Chunking,
		events:        make(chan event, 16),
		quit:          make(chan struct{}),
	}
	if l.model == "" {
		l.model = cfg.Provider.DefaultModel()
	}
	if l.maxIterations <= 0 {
		l.maxIterations = defaultMaxIterations
	}
	if l.historyLimit <= 0 {
		l.historyLimit = defaultHistoryLimit
	}
	if l.runTimeout <= 0 {
		l.runTimeout = defaultRunTimeout
	}
	if l.toolDeadline <= 0 {
		l.toolDeadline = defaultToolDeadline
	}
	if l.maxTokens <= 0 {
		l.maxTokens = defaultMaxTokens
	}
	if l.temperature == 0 {
		l.temperature = defaultTemperature
	}
	go l.process()
	return l
}

// Run executes one turn and blocks until the final answer. Cancelling ctx
// cancels the run (in-flight tool results are discarded).
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	done := make(chan runOutcome, 1)
	if !l.post(runEvent{req: req, done: done}) {
		return nil, ErrLoopClosed
	}

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		l.post(cancelEvent{runID: req.RunID, reason: "caller canceled"})
	}
	select {
	case out := <-done:
		return out.res, out.err
	case <-l.quit:
		return nil, ErrLoopClosed
	}
}

// Stop cancels the active run, if any. Queued runs stay queued.
func (l *Loop) Stop(reason string) {
	l.post(cancelEvent{reason: reason})
}

// Close cancels everything and stops the event goroutine.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
}

func (l *Loop) post(ev event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.quit:
		return false
	}
}

func (l *Loop) process() {
	for {
		select {
		case <-l.quit:
			if l.cur != nil {
				l.cur.timer.Stop()
				l.cur.span.End()
				l.cur.cancel()
				l.cur.done <- runOutcome{err: ErrLoopClosed}
				l.cur = nil
			}
			for _, q := range l.queue {
				q.done <- runOutcome{err: ErrLoopClosed}
			}
			l.queue = nil
			return
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

func (l *Loop) handle(ev event) {
	switch ev := ev.(type) {
	case runEvent:
		if l.state != StateIdle {
			l.queue = append(l.queue, ev)
			return
		}
		l.start(ev)

	case preparedEvent:
		if !l.active(ev.runID) || l.state != StatePreparing {
			return
		}
		if ev.err != nil {
			l.finishErr(fmt.Errorf("prepare run: %w", ev.err))
			return
		}
		r := l.cur
		r.session = ev.session
		r.messages = ev.messages
		l.state = StateInferring
		l.publishStatus(r, bus.PhaseInferring, nil)
		go l.infer(r)

	case inferenceDoneEvent:
		if !l.active(ev.runID) || l.state != StateInferring {
			return
		}
		l.handleInference(ev)

	case toolsDoneEvent:
		if !l.active(ev.runID) || l.state != StateExecutingTools {
			return
		}
		l.handleToolsDone(ev)

	case cancelEvent:
		l.handleCancel(ev)

	case timeoutEvent:
		if !l.active(ev.runID) {
			return // stale timer from an earlier run
		}
		l.finishErr(fmt.Errorf("run timed out after %s", l.timeoutFor(l.cur.req)))
	}
}

func (l *Loop) active(runID string) bool {
	return l.cur != nil && l.cur.id == runID
}

func (l *Loop) timeoutFor(req RunRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return l.runTimeout
}

func (l *Loop) start(ev runEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session_key", ev.req.SessionKey),
		attribute.String("run_id", ev.req.RunID),
	))
	r := &activeRun{
		id:      ev.req.RunID,
		req:     ev.req,
		ctx:     ctx,
		cancel:  cancel,
		done:    ev.done,
		span:    span,
		chunks:  chunker.New(l.chunkCfg),
		started: time.Now(),
	}
	runID := r.id
	r.timer = time.AfterFunc(l.timeoutFor(ev.req), func() {
		l.post(timeoutEvent{runID: runID})
	})

	l.cur = r
	l.state = StatePreparing
	slog.Debug("run started", "agent", l.id, "session", r.req.SessionKey, "run", r.id)
	l.publishStatus(r, bus.PhaseStarted, nil)
	go l.prepare(r)
}

// prepare loads the session and history tail and persists the user message.
func (l *Loop) prepare(r *activeRun) {
	sess, err := l.sessions.GetOrCreate(r.ctx, r.req.SessionKey, r.req.Channel, l.id)
	if err != nil {
		l.post(preparedEvent{runID: r.id, err: err})
		return
	}
	limit := r.req.HistoryLimit
	if limit <= 0 {
		limit = l.historyLimit
	}
	history, err := l.sessions.History(r.ctx, sess.ID, limit)
	if err != nil {
		l.post(preparedEvent{runID: r.id, err: err})
		return
	}
	if err := l.sessions.AppendMessage(r.ctx, sess.ID, &store.Message{
		Role:    "user",
		Content: r.req.Message,
	}); err != nil {
		l.post(preparedEvent{runID: r.id, err: err})
		return
	}

	messages := make([]providers.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	messages = append(messages, providers.Message{Role: "user", Content: r.req.Message})
	l.post(preparedEvent{runID: r.id, session: sess, messages: messages})
}

// infer streams one LLM call, forwarding deltas through the chunker.
func (l *Loop) infer(r *activeRun) {
	req := providers.ChatRequest{
		Messages:    r.messages,
		System:      l.buildSystemPrompt(r.req.ExtraSystem),
		Tools:       l.toolDefs(),
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
	}
	ctx, span := tracer.Start(r.ctx, "llm.call", trace.WithAttributes(
		attribute.String("model", l.model),
		attribute.Int("iteration", r.iteration+1),
	))
	resp, err := l.provider.ChatStream(ctx, req, func(c providers.StreamChunk) {
		if c.Content == "" {
			return
		}
		for _, seg := range r.chunks.Push(c.Content) {
			l.publishChunk(r, seg)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inference failed")
	}
	span.End()
	l.post(inferenceDoneEvent{runID: r.id, resp: resp, err: err})
}

func (l *Loop) handleInference(ev inferenceDoneEvent) {
	r := l.cur
	if ev.err != nil {
		l.finishErr(fmt.Errorf("inference failed (iteration %d): %w", r.iteration+1, ev.err))
		return
	}
	resp := ev.resp
	r.usage.Add(resp.Usage)
	r.iteration++

	// Plain answer: flush the chunker and close out.
	if len(resp.ToolCalls) == 0 {
		if tail := r.chunks.Flush(); tail != "" {
			l.publishChunk(r, tail)
		}
		content := resp.Content
		if strings.TrimSpace(content) == "" {
			content = noResponse
			l.publishChunk(r, content)
		}
		if err := l.persistAssistant(r, content, nil, resp.Usage); err != nil {
			l.finishErr(err)
			return
		}
		l.finishOK(content, false)
		return
	}

	// Iteration cap: answer with the sentinel instead of dispatching the
	// batch. The undispatched tool calls are dropped from the persisted
	// record — history must never replay a tool call without its results.
	// Deliberately a successful outcome, not an error.
	if r.iteration >= l.maxIterations {
		if tail := r.chunks.Flush(); tail != "" {
			l.publishChunk(r, tail)
		}
		slog.Warn("iteration cap reached", "agent", l.id, "run", r.id, "iterations", r.iteration)
		l.publishChunk(r, tooManyTools)
		content := tooManyTools
		if strings.TrimSpace(resp.Content) != "" {
			content = resp.Content + "\n\n" + tooManyTools
		}
		if err := l.persistAssistant(r, content, nil, resp.Usage); err != nil {
			l.finishErr(err)
			return
		}
		l.finishOK(tooManyTools, true)
		return
	}

	if err := l.persistAssistant(r, resp.Content, resp.ToolCalls, resp.Usage); err != nil {
		l.finishErr(err)
		return
	}
	r.messages = append(r.messages, providers.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	l.state = StateExecutingTools
	for _, call := range resp.ToolCalls {
		l.publishStatus(r, bus.PhaseToolStart, map[string]string{
			"tool": l.canonicalToolName(call.Name),
		})
	}
	go l.executeTools(r, resp.ToolCalls)
}

// executeTools runs the batch in parallel, keeping the model's call order in
// the result slice.
func (l *Loop) executeTools(r *activeRun, calls []providers.ToolCall) {
	results := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			results[i] = l.executeOne(r, i, call)
		}(i, call)
	}
	wg.Wait()
	l.post(toolsDoneEvent{runID: r.id, results: results})
}

func (l *Loop) executeOne(r *activeRun, idx int, call providers.ToolCall) toolOutcome {
	name := l.canonicalToolName(call.Name)
	tc := &tools.Context{
		SessionID:  r.session.ID.String(),
		SessionKey: r.req.SessionKey,
		RunID:      r.id,
		AgentID:    l.id,
		Channel:    r.req.Channel,
	}
	ctx, cancel := context.WithTimeout(r.ctx, l.toolDeadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "tool.exec", trace.WithAttributes(
		attribute.String("tool", name),
	))
	defer span.End()

	slog.Info("tool call", "agent", l.id, "tool", name, "run", r.id)

	// The deadline must hold even when a tool ignores its context; the
	// late result is discarded.
	resCh := make(chan *tools.Result, 1)
	go func() {
		resCh <- l.tools.Execute(ctx, name, call.Arguments, tc)
	}()

	select {
	case res := <-resCh:
		if res.IsError {
			slog.Warn("tool error", "agent", l.id, "tool", name, "error", truncate(res.ForLLM, 200))
		}
		return toolOutcome{idx: idx, call: call, forLLM: res.ForLLM, isError: res.IsError, usage: res.Usage}
	case <-ctx.Done():
		if r.ctx.Err() != nil {
			return toolOutcome{idx: idx, call: call, forLLM: "Tool execution canceled", isError: true}
		}
		return toolOutcome{
			idx:     idx,
			call:    call,
			forLLM:  fmt.Sprintf("Tool %q timed out after %s", name, l.toolDeadline),
			isError: true,
		}
	}
}

func (l *Loop) handleToolsDone(ev toolsDoneEvent) {
	r := l.cur
	for _, out := range ev.results {
		if out.usage != nil {
			r.usage.Add(out.usage)
		}
		msg := providers.Message{Role: "tool", Content: out.forLLM, ToolCallID: out.call.ID}
		r.messages = append(r.messages, msg)
		if err := l.sessions.AppendMessage(r.ctx, r.session.ID, &store.Message{
			Role:       "tool",
			Content:    out.forLLM,
			ToolCallID: out.call.ID,
		}); err != nil {
			l.finishErr(err)
			return
		}
		l.publishStatus(r, bus.PhaseToolDone, map[string]string{
			"tool":     l.canonicalToolName(out.call.Name),
			"is_error": fmt.Sprintf("%t", out.isError),
		})
	}
	l.state = StateInferring
	l.publishStatus(r, bus.PhaseInferring, nil)
	go l.infer(r)
}

func (l *Loop) handleCancel(ev cancelEvent) {
	if ev.runID != "" && !l.active(ev.runID) {
		for i, q := range l.queue {
			if q.req.RunID == ev.runID {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				q.done <- runOutcome{err: fmt.Errorf("%w: %s", ErrRunCanceled, ev.reason)}
				return
			}
		}
		return
	}
	if l.cur == nil {
		return
	}
	l.finishErr(fmt.Errorf("%w: %s", ErrRunCanceled, ev.reason))
}

func (l *Loop) persistAssistant(r *activeRun, content string, calls []providers.ToolCall, usage *providers.Usage) error {
	msg := &store.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
		Model:     l.model,
	}
	if usage != nil {
		msg.InputTokens = usage.PromptTokens
		msg.OutputTokens = usage.CompletionTokens
	}
	return l.sessions.AppendMessage(r.ctx, r.session.ID, msg)
}

func (l *Loop) finishOK(content string, capped bool) {
	r := l.cur
	r.timer.Stop()
	r.span.SetAttributes(
		attribute.Int("iterations", r.iteration),
		attribute.Bool("capped", capped),
	)
	r.span.End()
	r.cancel()

	if err := l.sessions.Touch(context.Background(), r.req.SessionKey,
		int64(r.usage.PromptTokens), int64(r.usage.CompletionTokens), 0); err != nil {
		slog.Warn("failed to update session counters", "session", r.req.SessionKey, "error", err)
	}

	slog.Info("run completed", "agent", l.id, "run", r.id,
		"iterations", r.iteration, "duration", time.Since(r.started).Round(time.Millisecond))
	l.publish(r, bus.Event{Kind: bus.KindDone, Text: content})
	l.publishStatus(r, bus.PhaseDone, nil)

	r.done <- runOutcome{res: &RunResult{
		RunID:      r.id,
		Content:    content,
		Usage:      r.usage,
		Iterations: r.iteration,
		Capped:     capped,
	}}
	l.clear()
}

func (l *Loop) finishErr(err error) {
	r := l.cur
	r.timer.Stop()
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, "run failed")
	r.span.End()
	r.cancel()

	slog.Error("run failed", "agent", l.id, "run", r.id, "error", err)
	l.publish(r, bus.Event{Kind: bus.KindError, Err: err.Error()})
	l.publishStatus(r, bus.PhaseError, map[string]string{"error": err.Error()})

	r.done <- runOutcome{err: err}
	l.clear()
}

func (l *Loop) clear() {
	l.cur = nil
	l.state = StateIdle
	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.start(next)
	}
}

func (l *Loop) toolDefs() []providers.ToolDefinition {
	remap := remapForProvider[l.provider.Name()]
	list := l.tools.List(l.allow, l.deny)
	defs := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		name := t.Name()
		if alias, ok := remap[name]; ok {
			name = alias
		}
		defs = append(defs, providers.ToolDefinition{
			Name:        name,
			Description: t.Description(),
			Parameters:  providers.CleanSchemaForProvider(l.provider.Name(), t.Parameters()),
		})
	}
	return defs
}

func (l *Loop) canonicalToolName(name string) string {
	for canonical, alias := range remapForProvider[l.provider.Name()] {
		if alias == name {
			return canonical
		}
	}
	return name
}

func (l *Loop) publishChunk(r *activeRun, text string) {
	l.publish(r, bus.Event{Kind: bus.KindChunk, Text: text})
}

func (l *Loop) publishStatus(r *activeRun, phase string, details map[string]string) {
	l.publish(r, bus.Event{Kind: bus.KindStatus, Phase: phase, Details: details})
}

func (l *Loop) publish(r *activeRun, ev bus.Event) {
	if l.bus == nil {
		return
	}
	ev.SessionKey = r.req.SessionKey
	ev.RunID = r.id
	ev.Time = time.Now()
	l.bus.Publish(bus.AgentTopic(r.req.SessionKey), ev)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
