// Package cron schedules and executes recurring agent jobs. Schedules are
// standard five-field cron expressions validated and projected with gronx;
// the executor polls for due jobs once a minute and runs each job with
// at-most-one concurrency.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/sessions"
	"github.com/seaclaw/seaclaw/internal/store"
	"github.com/seaclaw/seaclaw/internal/tools"
)

const (
	defaultTick       = time.Minute
	defaultJobTimeout = 10 * time.Minute
)

// Notifier delivers job results to channel targets. Implemented by the
// channel manager.
type Notifier interface {
	Send(ctx context.Context, channel, target, text, replyTo string) error
}

// Config wires an Executor.
type Config struct {
	Jobs     store.CronStore
	Sessions store.SessionStore
	Registry *sessions.Registry
	Bus      *bus.Bus
	Notifier Notifier // optional
	AgentID  string
	Tick     time.Duration
}

// Executor polls for due jobs and runs them.
type Executor struct {
	jobs     store.CronStore
	sessions store.SessionStore
	registry *sessions.Registry
	bus      *bus.Bus
	notifier Notifier
	agentID  string
	tick     time.Duration
	gron     *gronx.Gronx

	mu       sync.Mutex
	inflight map[uuid.UUID]bool

	quit chan struct{}
	once sync.Once
}

func New(cfg Config) *Executor {
	tick := cfg.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return &Executor{
		jobs:     cfg.Jobs,
		sessions: cfg.Sessions,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		notifier: cfg.Notifier,
		agentID:  cfg.AgentID,
		tick:     tick,
		gron:     gronx.New(),
		inflight: make(map[uuid.UUID]bool),
		quit:     make(chan struct{}),
	}
}

// ValidateSchedule reports whether expr is an acceptable cron expression.
func (e *Executor) ValidateSchedule(expr string) error {
	if !e.gron.IsValid(expr) {
		return fmt.Errorf("not a valid cron expression")
	}
	return nil
}

// NextRun computes the first tick of expr strictly after the given time.
func (e *Executor) NextRun(expr string, after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, after, false)
}

// Start launches the polling loop. Call Stop to terminate.
func (e *Executor) Start() {
	go e.loop()
}

func (e *Executor) Stop() {
	e.once.Do(func() { close(e.quit) })
}

func (e *Executor) loop() {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case now := <-ticker.C:
			e.dispatchDue(now)
		}
	}
}

func (e *Executor) dispatchDue(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	due, err := e.jobs.DueJobs(ctx, now)
	cancel()
	if err != nil {
		slog.Error("failed to query due jobs", "error", err)
		return
	}
	for i := range due {
		job := due[i]
		if !e.claim(job.ID) {
			continue // previous run still going
		}
		go func() {
			defer e.release(job.ID)
			e.execute(&job)
		}()
	}
}

func (e *Executor) claim(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	return true
}

func (e *Executor) release(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// RunNow executes one job immediately, outside the schedule. Used by tests
// and manual triggers.
func (e *Executor) RunNow(job *store.CronJob) {
	if !e.claim(job.ID) {
		return
	}
	defer e.release(job.ID)
	e.execute(job)
}

// execute runs one job end to end: open a run record, deliver the payload,
// close the record, advance the schedule, fan out the result. A panic
// anywhere is converted into a failed run.
func (e *Executor) execute(job *store.CronJob) {
	run, err := e.jobs.StartRun(context.Background(), job.ID)
	if err != nil {
		slog.Error("failed to open cron run", "job", job.Name, "error", err)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("cron job panicked", "job", job.Name, "panic", rec,
				"stack", string(debug.Stack()))
			e.closeRun(run.ID, store.CronRunFailed, "", fmt.Sprintf("panic: %v", rec))
			e.advance(job)
		}
	}()

	timeout := defaultJobTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("cron job starting", "job", job.Name, "run", run.ID, "payload", job.PayloadType)

	output, err := e.deliver(ctx, job, run)
	switch {
	case err == nil:
		e.closeRun(run.ID, store.CronRunCompleted, output, "")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.closeRun(run.ID, store.CronRunTimeout, output, fmt.Sprintf("timed out after %s", timeout))
	default:
		e.closeRun(run.ID, store.CronRunFailed, output, err.Error())
	}

	e.advance(job)
	if err == nil {
		e.fanOut(job, output)
	}
}

// deliver routes the job payload into a session per its strategy.
func (e *Executor) deliver(ctx context.Context, job *store.CronJob, run *store.CronRun) (string, error) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = e.agentID
	}

	switch job.PayloadType {
	case store.CronPayloadSystemEvent:
		key, channel, temporary := e.resolveEventSession(ctx, job, run, agentID)
		res, err := e.registry.Send(ctx, key, channel, job.Command, sessions.SendOptions{
			ExtraSystem: fmt.Sprintf("This message was produced by the scheduled job %q, not by a user.", job.Name),
		})
		// A fallback session exists only for this delivery; pinned and
		// resolved sessions are left alone.
		if temporary {
			if cleanupErr := e.deleteSession(key); cleanupErr != nil {
				slog.Warn("cron session cleanup failed", "job", job.Name, "error", cleanupErr)
			}
		}
		if err != nil {
			return "", err
		}
		return res.Content, nil

	case store.CronPayloadAgentTurn:
		key := sessions.CronKey(job.ID.String(), run.ID.String())
		res, err := e.registry.Send(ctx, key, "cron", job.Command, sessions.SendOptions{
			ExtraSystem: fmt.Sprintf("You are running the scheduled job %q in an isolated session.", job.Name),
		})
		if job.Cleanup != store.CronCleanupKeep {
			if cleanupErr := e.deleteSession(key); cleanupErr != nil {
				slog.Warn("cron session cleanup failed", "job", job.Name, "error", cleanupErr)
			}
		}
		if err != nil {
			return "", err
		}
		return res.Content, nil

	default:
		return "", fmt.Errorf("unknown payload type %q", job.PayloadType)
	}
}

// resolveEventSession picks the session a system_event lands in: the job's
// pinned session, else the agent's most recently active one, else a
// temporary cron session. Temporary sessions are destroyed after delivery.
func (e *Executor) resolveEventSession(ctx context.Context, job *store.CronJob, run *store.CronRun, agentID string) (key, channel string, temporary bool) {
	if job.SessionKey != "" {
		ch, _ := sessions.Split(job.SessionKey)
		return job.SessionKey, ch, false
	}
	if sess, err := e.sessions.LastActiveForAgent(ctx, agentID); err == nil {
		return sess.Key, sess.Channel, false
	}
	return sessions.CronKey(job.ID.String(), run.ID.String()), "cron", true
}

func (e *Executor) deleteSession(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.registry.Delete(ctx, key)
}

func (e *Executor) closeRun(runID uuid.UUID, status, output, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.jobs.FinishRun(ctx, runID, status, output, errMsg); err != nil {
		slog.Error("failed to close cron run", "run", runID, "error", err)
	}
	slog.Info("cron run finished", "run", runID, "status", status)
}

// advance bumps the run counters and schedules the next tick. Failures here
// only log; the scheduler recomputes on the next poll anyway.
func (e *Executor) advance(job *store.CronJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	job.RunCount++
	job.LastRunAt = &now
	if next, err := e.NextRun(job.Schedule, now); err == nil {
		job.NextRunAt = &next
	} else {
		slog.Warn("failed to compute next run", "job", job.Name, "error", err)
		job.NextRunAt = nil
	}
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		slog.Error("failed to advance cron job", "job", job.Name, "error", err)
	}
}

// fanOut delivers a successful result: into the result session when the job
// has one, otherwise onto the cron results topic, plus every deduplicated
// notify target.
func (e *Executor) fanOut(job *store.CronJob, output string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if job.ResultSessionKey != "" {
		ch, _ := sessions.Split(job.ResultSessionKey)
		w := e.registry.Start(job.ResultSessionKey, ch)
		text := fmt.Sprintf("Scheduled job %q finished with this result:\n%s", job.Name, output)
		if !w.SendMessageAsync(text, sessions.SendOptions{}) {
			slog.Warn("result session rejected cron result", "job", job.Name)
		}
	} else if e.bus != nil {
		e.bus.Publish(bus.TopicCronResults, bus.Event{
			Kind:    bus.KindCronResult,
			JobName: job.Name,
			Text:    output,
			Time:    time.Now(),
		})
	}

	for _, target := range dedupeTargets(e.autoTargets(job), job.Notify) {
		if e.notifier == nil {
			break
		}
		if err := e.notifier.Send(ctx, target.Channel, target.Target, output, ""); err != nil {
			slog.Warn("cron notification failed", "job", job.Name,
				"channel", target.Channel, "target", target.Target, "error", err)
		}
	}
}

// autoTargets derives implicit notification targets from the job's pinned
// session, when it names a real channel peer.
func (e *Executor) autoTargets(job *store.CronJob) []store.NotifyTarget {
	if job.SessionKey == "" || sessions.IsCron(job.SessionKey) || sessions.IsSubagent(job.SessionKey) {
		return nil
	}
	ch, peer := sessions.Split(job.SessionKey)
	if ch == "" || peer == "" {
		return nil
	}
	return []store.NotifyTarget{{Channel: ch, Target: peer}}
}

// dedupeTargets merges target lists, keeping the first occurrence of each
// {channel, target} pair.
func dedupeTargets(lists ...[]store.NotifyTarget) []store.NotifyTarget {
	seen := make(map[string]bool)
	var out []store.NotifyTarget
	for _, list := range lists {
		for _, t := range list {
			k := strings.ToLower(t.Channel) + "\x00" + t.Target
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, t)
		}
	}
	return out
}

var _ tools.CronScheduler = (*Executor)(nil)
