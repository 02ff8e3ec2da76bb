// Package sessions manages the lifetime of session workers: one worker per
// session key, each owning an agent loop and a serializing mailbox.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seaclaw/seaclaw/internal/agent"
	"github.com/seaclaw/seaclaw/internal/store"
)

// LoopFactory builds the agent loop for a new worker. The registry passes
// the session key so factories can vary tool policy per key kind (e.g.
// sub-agents without the spawn tool).
type LoopFactory func(sessionKey string) *agent.Loop

const (
	mailboxSize     = 16
	maxRestartDelay = 30 * time.Second
)

// Registry keeps at most one live worker per session key.
type Registry struct {
	factory     LoopFactory
	sessions    store.SessionStore
	idleTimeout time.Duration

	mu      sync.Mutex
	workers map[string]*Worker
	crashes map[string]int // consecutive crashes per key, cleared on clean exit
}

func NewRegistry(factory LoopFactory, sessions store.SessionStore, idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Registry{
		factory:     factory,
		sessions:    sessions,
		idleTimeout: idleTimeout,
		workers:     make(map[string]*Worker),
		crashes:     make(map[string]int),
	}
}

// Start returns the worker for key, creating it if absent. Idempotent: two
// concurrent Starts for the same key observe the same worker.
func (r *Registry) Start(key, channel string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[key]; ok {
		return w
	}
	w := &Worker{
		key:         key,
		channel:     channel,
		loop:        r.factory(key),
		inbox:       make(chan job, mailboxSize),
		quit:        make(chan struct{}),
		idleTimeout: r.idleTimeout,
		startDelay:  r.restartDelay(key),
		onExit:      r.remove,
	}
	r.workers[key] = w
	go w.run()
	return w
}

// Get returns the live worker for key, if any.
func (r *Registry) Get(key string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[key]
	return w, ok
}

// Send starts the worker if needed and delivers one synchronous message.
func (r *Registry) Send(ctx context.Context, key, channel, text string, opts SendOptions) (*agent.RunResult, error) {
	w := r.Start(key, channel)
	return w.SendMessage(ctx, text, opts)
}

// Archive marks the session row archived and terminates its worker.
func (r *Registry) Archive(ctx context.Context, key string) error {
	if err := r.sessions.Archive(ctx, key); err != nil {
		return fmt.Errorf("archive session %s: %w", key, err)
	}
	r.terminate(key)
	return nil
}

// Delete removes the session row (with its messages) and terminates its
// worker.
func (r *Registry) Delete(ctx context.Context, key string) error {
	if err := r.sessions.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	r.terminate(key)
	return nil
}

// Terminate stops the worker process without touching the session row.
func (r *Registry) Terminate(key string) {
	r.terminate(key)
}

// Shutdown stops every worker.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}

// ActiveCount reports live workers (for health reporting and tests).
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

func (r *Registry) terminate(key string) {
	r.mu.Lock()
	w, ok := r.workers[key]
	r.mu.Unlock()
	if ok {
		w.stop()
	}
}

func (r *Registry) remove(key string, crashed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, key)
	if crashed {
		r.crashes[key]++
	} else {
		delete(r.crashes, key)
	}
}

// restartDelay returns the exponential backoff applied to a worker whose
// predecessor crashed. Called with r.mu held.
func (r *Registry) restartDelay(key string) time.Duration {
	n := r.crashes[key]
	if n == 0 {
		return 0
	}
	d := time.Second << (n - 1)
	if d > maxRestartDelay {
		d = maxRestartDelay
	}
	return d
}
