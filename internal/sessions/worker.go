package sessions

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/seaclaw/seaclaw/internal/agent"
)

// ErrWorkerDied is returned for the in-flight call when a worker goroutine
// panics. The next message restarts the worker.
var ErrWorkerDied = errors.New("session worker died")

const defaultIdleTimeout = 30 * time.Minute

// SendOptions tune one message delivery.
type SendOptions struct {
	RunID        string
	Timeout      time.Duration
	HistoryLimit int
	ExtraSystem  string
}

type job struct {
	ctx   context.Context
	text  string
	opts  SendOptions
	reply chan jobResult // nil for async sends
}

type jobResult struct {
	res *agent.RunResult
	err error
}

// Worker owns one session's agent loop and serializes its runs through a
// mailbox. Created by the Registry, never directly.
type Worker struct {
	key     string
	channel string
	loop    *agent.Loop

	inbox chan job
	quit  chan struct{}

	idleTimeout time.Duration
	startDelay  time.Duration // restart backoff after a crash
	onExit      func(key string, crashed bool)
}

// SendMessage delivers text and blocks until the run completes.
func (w *Worker) SendMessage(ctx context.Context, text string, opts SendOptions) (*agent.RunResult, error) {
	reply := make(chan jobResult, 1)
	select {
	case w.inbox <- job{ctx: ctx, text: text, opts: opts, reply: reply}:
	case <-w.quit:
		return nil, ErrWorkerDied
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-w.quit:
		return nil, ErrWorkerDied
	case <-ctx.Done():
		w.loop.Stop("caller canceled")
		r := <-reply
		return r.res, r.err
	}
}

// SendMessageAsync queues text without waiting; the result travels over the
// bus as done/error events. Returns false when the worker is gone.
func (w *Worker) SendMessageAsync(text string, opts SendOptions) bool {
	select {
	case w.inbox <- job{ctx: context.Background(), text: text, opts: opts}:
		return true
	case <-w.quit:
		return false
	}
}

// StopRun cancels the in-flight run. Queued messages remain queued.
func (w *Worker) StopRun() {
	w.loop.Stop("stop requested")
}

func (w *Worker) stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
}

// run is the worker goroutine. It exits on idle timeout, stop, or panic;
// onExit removes it from the registry either way.
func (w *Worker) run() {
	crashed := false
	defer func() {
		if rec := recover(); rec != nil {
			crashed = true
			slog.Error("session worker panicked", "session", w.key,
				"panic", rec, "stack", string(debug.Stack()))
		}
		w.loop.Close()
		w.onExit(w.key, crashed)
	}()

	if w.startDelay > 0 {
		// Crash-restart backoff: hold the mailbox closed-ish for a moment so
		// a crash loop cannot spin.
		select {
		case <-time.After(w.startDelay):
		case <-w.quit:
			return
		}
	}

	idle := time.NewTimer(w.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-w.inbox:
			w.handle(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.idleTimeout)
		case <-idle.C:
			slog.Debug("session worker idle, exiting", "session", w.key)
			return
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) handle(j job) {
	defer func() {
		if rec := recover(); rec != nil {
			if j.reply != nil {
				j.reply <- jobResult{err: ErrWorkerDied}
			}
			panic(rec) // re-raise so run() records the crash
		}
	}()

	res, err := w.loop.Run(j.ctx, agent.RunRequest{
		SessionKey:   w.key,
		Channel:      w.channel,
		Message:      j.text,
		RunID:        j.opts.RunID,
		HistoryLimit: j.opts.HistoryLimit,
		Timeout:      j.opts.Timeout,
		ExtraSystem:  j.opts.ExtraSystem,
	})
	if j.reply != nil {
		j.reply <- jobResult{res: res, err: err}
	} else if err != nil {
		slog.Error("async run failed", "session", w.key, "error", err)
	}
}
