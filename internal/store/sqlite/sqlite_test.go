package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	st, err := NewStores(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	return st
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	a, err := st.Sessions.GetOrCreate(ctx, "cli:local", "cli", "default")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a.State != store.SessionActive || a.Channel != "cli" || a.AgentID != "default" {
		t.Errorf("session = %+v", a)
	}

	b, err := st.Sessions.GetOrCreate(ctx, "cli:local", "cli", "default")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != a.ID {
		t.Errorf("second GetOrCreate created a new row: %s vs %s", b.ID, a.ID)
	}

	if _, err := st.Sessions.Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestHistoryChronologicalWithToolCalls(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	sess, err := st.Sessions.GetOrCreate(ctx, "cli:local", "cli", "")
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Add(-time.Minute)
	msgs := []*store.Message{
		{Role: "user", Content: "list files", InsertedAt: base},
		{Role: "assistant", InsertedAt: base.Add(time.Second), ToolCalls: []providers.ToolCall{
			{ID: "call_1", Name: "list_files", Arguments: map[string]any{"path": "."}},
		}},
		{Role: "tool", Content: "a.txt", ToolCallID: "call_1", InsertedAt: base.Add(2 * time.Second)},
		{Role: "assistant", Content: "one file: a.txt", InsertedAt: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		if err := st.Sessions.AppendMessage(ctx, sess.ID, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := st.Sessions.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("history = %d messages", len(got))
	}
	if got[0].Role != "user" || got[3].Content != "one file: a.txt" {
		t.Errorf("order wrong: first=%+v last=%+v", got[0], got[3])
	}
	tc := got[1].ToolCalls
	if len(tc) != 1 || tc[0].Name != "list_files" || tc[0].Arguments["path"] != "." {
		t.Errorf("tool calls = %+v", tc)
	}

	// Limit keeps the newest window, still chronological.
	got, err = st.Sessions.History(ctx, sess.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Role != "tool" || got[1].Role != "assistant" {
		t.Errorf("windowed history = %+v", got)
	}

	refreshed, err := st.Sessions.Get(ctx, "cli:local")
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.MessageCount != 4 {
		t.Errorf("message count = %d", refreshed.MessageCount)
	}
}

// Assigned message IDs are time-ordered, so the id tiebreak in the history
// query preserves append order even when inserted_at values collide.
func TestHistoryOrderStableAtSameTimestamp(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	sess, err := st.Sessions.GetOrCreate(ctx, "cli:tie", "cli", "")
	if err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		msg := &store.Message{Role: "user", Content: fmt.Sprintf("m%d", i), InsertedAt: at}
		if err := st.Sessions.AppendMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := st.Sessions.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("history len = %d", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("m%d", i); m.Content != want {
			t.Errorf("msg[%d] = %q, want %q", i, m.Content, want)
		}
	}

	// The windowed tail keeps the newest messages, still in order.
	got, err = st.Sessions.History(ctx, sess.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "m3" || got[1].Content != "m4" {
		t.Errorf("windowed = %+v", got)
	}
}

func TestTouchArchiveDelete(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	sess, err := st.Sessions.GetOrCreate(ctx, "cli:local", "cli", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Sessions.Touch(ctx, "cli:local", 100, 40, 2); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	refreshed, _ := st.Sessions.Get(ctx, "cli:local")
	if refreshed.InputTokens != 100 || refreshed.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d", refreshed.InputTokens, refreshed.OutputTokens)
	}
	if err := st.Sessions.Touch(ctx, "missing", 1, 1, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Touch missing = %v", err)
	}

	if err := st.Sessions.Archive(ctx, "cli:local"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	refreshed, _ = st.Sessions.Get(ctx, "cli:local")
	if refreshed.State != store.SessionArchived {
		t.Errorf("state = %q", refreshed.State)
	}

	if err := st.Sessions.Delete(ctx, "cli:local"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Sessions.Get(ctx, "cli:local"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	// Messages cascade with the session row.
	if got, err := st.Sessions.History(ctx, sess.ID, 0); err != nil || len(got) != 0 {
		t.Errorf("history after delete = %v, %v", got, err)
	}
}

func TestLastActiveForAgentSkipsInternalSessions(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	for _, key := range []string{"telegram:42", "cron:job:run", "subagent:researcher-abc"} {
		if _, err := st.Sessions.GetOrCreate(ctx, key, "", "default"); err != nil {
			t.Fatal(err)
		}
	}
	// Make the internal sessions the most recently active.
	if err := st.Sessions.Touch(ctx, "cron:job:run", 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := st.Sessions.Touch(ctx, "subagent:researcher-abc", 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	got, err := st.Sessions.LastActiveForAgent(ctx, "default")
	if err != nil {
		t.Fatalf("LastActiveForAgent: %v", err)
	}
	if got.Key != "telegram:42" {
		t.Errorf("key = %q", got.Key)
	}

	if _, err := st.Sessions.LastActiveForAgent(ctx, "other"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown agent = %v", err)
	}
}

func TestCronJobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	next := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	job := &store.CronJob{
		Name:        "nightly-report",
		Schedule:    "0 3 * * *",
		Command:     "summarize the day",
		PayloadType: store.CronPayloadAgentTurn,
		Cleanup:     store.CronCleanupDelete,
		Notify:      []store.NotifyTarget{{Channel: "cli", Target: "local"}},
		Enabled:     true,
		NextRunAt:   &next,
	}
	if err := st.Cron.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.ID == uuid.Nil {
		t.Error("CreateJob did not assign an id")
	}

	got, err := st.Cron.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "nightly-report" || !got.Enabled || got.NextRunAt == nil {
		t.Errorf("job = %+v", got)
	}
	if len(got.Notify) != 1 || got.Notify[0].Channel != "cli" {
		t.Errorf("notify = %+v", got.Notify)
	}

	due, err := st.Cron.DueJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueJobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != job.ID {
		t.Errorf("due = %+v", due)
	}

	// Disabled jobs never come due.
	got.Enabled = false
	if err := st.Cron.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	due, err = st.Cron.DueJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("disabled job still due: %+v", due)
	}

	if err := st.Cron.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := st.Cron.GetJob(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetJob after delete = %v", err)
	}
}

func TestCronRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := openTestStores(t)

	job := &store.CronJob{
		Name:        "ping",
		Schedule:    "* * * * *",
		Command:     "ping",
		PayloadType: store.CronPayloadSystemEvent,
		Cleanup:     store.CronCleanupKeep,
		Enabled:     true,
	}
	if err := st.Cron.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	first, err := st.Cron.StartRun(ctx, job.ID)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if first.Status != store.CronRunRunning {
		t.Errorf("status = %q", first.Status)
	}
	if err := st.Cron.FinishRun(ctx, first.ID, store.CronRunCompleted, "all good", ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	time.Sleep(10 * time.Millisecond) // distinct started_at ordering
	second, err := st.Cron.StartRun(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Cron.FinishRun(ctx, second.ID, store.CronRunFailed, "", "boom"); err != nil {
		t.Fatal(err)
	}

	runs, err := st.Cron.ListRuns(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Status != store.CronRunFailed || runs[0].Error != "boom" {
		t.Errorf("newest run = %+v", runs[0])
	}
	if runs[1].Output != "all good" || runs[1].FinishedAt == nil {
		t.Errorf("oldest run = %+v", runs[1])
	}

	if err := st.Cron.FinishRun(ctx, uuid.New(), store.CronRunCompleted, "", ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FinishRun unknown = %v", err)
	}
}
