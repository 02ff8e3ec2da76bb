package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/seaclaw/seaclaw/internal/agent"
	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/chunker"
	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/sessions"
	"github.com/seaclaw/seaclaw/internal/store"
	"github.com/seaclaw/seaclaw/internal/tools"
)

type fixedProvider struct {
	answer string
	block  bool
}

func (p *fixedProvider) Name() string         { return "fixed" }
func (p *fixedProvider) DefaultModel() string { return "test-model" }

func (p *fixedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *fixedProvider) ChatStream(ctx context.Context, _ providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &providers.ChatResponse{Content: p.answer, FinishReason: "stop"}, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	sends []string // "channel:target"
}

func (n *captureNotifier) Send(_ context.Context, channel, target, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, channel+":"+target)
	return nil
}

func testExecutor(t *testing.T, p providers.Provider, notifier Notifier) (*Executor, *store.Stores, *sessions.Registry, *bus.Bus) {
	t.Helper()
	stores := store.MemStores()
	b := bus.New()
	factory := func(string) *agent.Loop {
		return agent.NewLoop(agent.Config{
			AgentID:  "test-agent",
			Provider: p,
			Bus:      b,
			Sessions: stores.Sessions,
			Tools:    tools.NewRegistry(),
			Chunking: chunker.Config{MinChars: 10, MaxChars: 50},
		})
	}
	reg := sessions.NewRegistry(factory, stores.Sessions, time.Minute)
	t.Cleanup(reg.Shutdown)

	e := New(Config{
		Jobs:     stores.Cron,
		Sessions: stores.Sessions,
		Registry: reg,
		Bus:      b,
		Notifier: notifier,
		AgentID:  "test-agent",
	})
	t.Cleanup(e.Stop)
	return e, stores, reg, b
}

func TestValidateSchedule(t *testing.T) {
	e, _, _, _ := testExecutor(t, &fixedProvider{answer: "ok"}, nil)

	valid := []string{"* * * * *", "0 9 * * 1-5", "*/15 * * * *", "@daily"}
	for _, expr := range valid {
		if err := e.ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v, want nil", expr, err)
		}
	}
	invalid := []string{"", "not a schedule", "99 * * * *", "* * * *"}
	for _, expr := range invalid {
		if err := e.ValidateSchedule(expr); err == nil {
			t.Errorf("ValidateSchedule(%q) = nil, want error", expr)
		}
	}
}

func TestNextRunAdvances(t *testing.T) {
	e, _, _, _ := testExecutor(t, &fixedProvider{answer: "ok"}, nil)

	after := time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)
	next, err := e.NextRun("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestAgentTurnJobCompletesAndCleansUp(t *testing.T) {
	e, stores, _, b := testExecutor(t, &fixedProvider{answer: "report ready"}, nil)

	results, cancel := b.Subscribe(bus.TopicCronResults)
	defer cancel()

	job := &store.CronJob{
		Name:        "daily-report",
		Schedule:    "0 9 * * *",
		Command:     "write the report",
		PayloadType: store.CronPayloadAgentTurn,
		Cleanup:     store.CronCleanupDelete,
		Enabled:     true,
	}
	if err := stores.Cron.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	e.RunNow(job)

	runs, _ := stores.Cron.ListRuns(context.Background(), job.ID, 0)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != store.CronRunCompleted {
		t.Errorf("status = %q, want completed", runs[0].Status)
	}
	if runs[0].Output != "report ready" {
		t.Errorf("output = %q", runs[0].Output)
	}

	updated, _ := stores.Cron.GetJob(context.Background(), job.ID)
	if updated.RunCount != 1 {
		t.Errorf("run count = %d, want 1", updated.RunCount)
	}
	if updated.NextRunAt == nil {
		t.Error("next run not scheduled")
	}

	// isolated session cleaned up
	key := sessions.CronKey(job.ID.String(), runs[0].ID.String())
	if _, err := stores.Sessions.Get(context.Background(), key); err == nil {
		t.Error("cron session still exists after delete cleanup")
	}

	// no result session → result on the bus
	select {
	case ev := <-results:
		if ev.Kind != bus.KindCronResult || ev.JobName != "daily-report" {
			t.Errorf("unexpected result event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no cron result event")
	}
}

func TestSystemEventLandsInPinnedSession(t *testing.T) {
	e, stores, reg, _ := testExecutor(t, &fixedProvider{answer: "noted"}, nil)

	// Seed the pinned session with one turn.
	if _, err := reg.Send(context.Background(), "cli:home", "cli", "hello", sessions.SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	job := &store.CronJob{
		Name:        "reminder",
		Schedule:    "* * * * *",
		Command:     "remind the user about standup",
		PayloadType: store.CronPayloadSystemEvent,
		SessionKey:  "cli:home",
		Enabled:     true,
	}
	if err := stores.Cron.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	e.RunNow(job)

	sess, err := stores.Sessions.Get(context.Background(), "cli:home")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	msgs, _ := stores.Sessions.History(context.Background(), sess.ID, 0)
	// 2 from the seed turn + 2 from the cron turn
	if len(msgs) != 4 {
		t.Fatalf("history len = %d, want 4", len(msgs))
	}
	if msgs[2].Content != "remind the user about standup" {
		t.Errorf("cron message = %q", msgs[2].Content)
	}
}

func TestSystemEventFallbackSessionIsDestroyed(t *testing.T) {
	e, stores, _, _ := testExecutor(t, &fixedProvider{answer: "pinged"}, nil)

	// No pinned session and no active session anywhere: the delivery falls
	// back to a temporary cron session, which must not outlive the run.
	job := &store.CronJob{
		Name:        "orphan-ping",
		Schedule:    "* * * * *",
		Command:     "ping",
		PayloadType: store.CronPayloadSystemEvent,
		Enabled:     true,
	}
	if err := stores.Cron.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	e.RunNow(job)

	runs, _ := stores.Cron.ListRuns(context.Background(), job.ID, 0)
	if len(runs) != 1 || runs[0].Status != store.CronRunCompleted {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Output != "pinged" {
		t.Errorf("output = %q", runs[0].Output)
	}

	key := sessions.CronKey(job.ID.String(), runs[0].ID.String())
	if _, err := stores.Sessions.Get(context.Background(), key); err == nil {
		t.Error("temporary fallback session still exists after delivery")
	}
	if list, _ := stores.Sessions.List(context.Background(), ""); len(list) != 0 {
		t.Errorf("leaked sessions: %+v", list)
	}
}

func TestJobTimeoutRecorded(t *testing.T) {
	e, stores, _, _ := testExecutor(t, &fixedProvider{block: true}, nil)

	job := &store.CronJob{
		Name:           "slow",
		Schedule:       "* * * * *",
		Command:        "hang forever",
		PayloadType:    store.CronPayloadAgentTurn,
		Cleanup:        store.CronCleanupKeep,
		TimeoutSeconds: 1,
		Enabled:        true,
	}
	if err := stores.Cron.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	e.RunNow(job)

	runs, _ := stores.Cron.ListRuns(context.Background(), job.ID, 0)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != store.CronRunTimeout {
		t.Errorf("status = %q, want timeout", runs[0].Status)
	}
}

func TestNotifyDedup(t *testing.T) {
	notifier := &captureNotifier{}
	e, stores, _, _ := testExecutor(t, &fixedProvider{answer: "done"}, notifier)

	job := &store.CronJob{
		Name:        "fanout",
		Schedule:    "* * * * *",
		Command:     "do the thing",
		PayloadType: store.CronPayloadSystemEvent,
		SessionKey:  "cli:bob",
		Notify: []store.NotifyTarget{
			{Channel: "cli", Target: "bob"},   // duplicate of the auto target
			{Channel: "mail", Target: "ops"},
		},
		Enabled: true,
	}
	if err := stores.Cron.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	e.RunNow(job)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.sends) != 2 {
		t.Fatalf("sends = %v, want 2 unique targets", notifier.sends)
	}
	want := map[string]bool{"cli:bob": true, "mail:ops": true}
	for _, s := range notifier.sends {
		if !want[s] {
			t.Errorf("unexpected send %q", s)
		}
	}
}

func TestClaimPreventsOverlap(t *testing.T) {
	e, stores, _, _ := testExecutor(t, &fixedProvider{answer: "ok"}, nil)

	job := &store.CronJob{Name: "one-at-a-time"}
	if err := stores.Cron.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if !e.claim(job.ID) {
		t.Fatal("first claim failed")
	}
	if e.claim(job.ID) {
		t.Fatal("second claim succeeded while in flight")
	}
	e.release(job.ID)
	if !e.claim(job.ID) {
		t.Fatal("claim after release failed")
	}
}
