package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStores returns fully in-memory stores, used by tests and the
// ephemeral `chat` command.
func MemStores() *Stores {
	return &Stores{
		Sessions: NewMemSessionStore(),
		Cron:     NewMemCronStore(),
	}
}

// MemSessionStore is an in-memory SessionStore. Safe for concurrent use.
type MemSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session                // key → session
	messages map[uuid.UUID][]Message            // session id → log
	byID     map[uuid.UUID]string               // session id → key
	failNext error                              // test hook
}

func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{
		sessions: make(map[string]*Session),
		messages: make(map[uuid.UUID][]Message),
		byID:     make(map[uuid.UUID]string),
	}
}

// FailNextAppend makes the next AppendMessage return err (test hook for
// persistence-failure paths).
func (s *MemSessionStore) FailNextAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemSessionStore) GetOrCreate(_ context.Context, key, channel, agentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		copy := *sess
		return &copy, nil
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.Must(uuid.NewV7()),
		Key:          key,
		Channel:      channel,
		State:        SessionActive,
		AgentID:      agentID,
		LastActiveAt: now,
		CreatedAt:    now,
	}
	s.sessions[key] = sess
	s.byID[sess.ID] = key
	copy := *sess
	return &copy, nil
}

func (s *MemSessionStore) Get(_ context.Context, key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *sess
	return &copy, nil
}

func (s *MemSessionStore) AppendMessage(_ context.Context, sessionID uuid.UUID, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.Must(uuid.NewV7())
	}
	if msg.InsertedAt.IsZero() {
		msg.InsertedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID
	s.messages[sessionID] = append(s.messages[sessionID], *msg)

	if key, ok := s.byID[sessionID]; ok {
		s.sessions[key].MessageCount++
	}
	return nil
}

func (s *MemSessionStore) History(_ context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemSessionStore) Touch(_ context.Context, key string, inputTokens, outputTokens int64, addedMessages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.InputTokens += inputTokens
	sess.OutputTokens += outputTokens
	_ = addedMessages // message_count maintained by AppendMessage here
	sess.LastActiveAt = time.Now().UTC()
	return nil
}

func (s *MemSessionStore) Archive(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.State = SessionArchived
	return nil
}

func (s *MemSessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	delete(s.sessions, key)
	delete(s.messages, sess.ID)
	delete(s.byID, sess.ID)
	return nil
}

func (s *MemSessionStore) List(_ context.Context, agentID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (s *MemSessionStore) LastActiveForAgent(_ context.Context, agentID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Session
	for _, sess := range s.sessions {
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		if sess.State != SessionActive {
			continue
		}
		if strings.HasPrefix(sess.Key, "cron:") || strings.HasPrefix(sess.Key, "subagent:") {
			continue
		}
		if best == nil || sess.LastActiveAt.After(best.LastActiveAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copy := *best
	return &copy, nil
}

// MemCronStore is an in-memory CronStore. Safe for concurrent use.
type MemCronStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*CronJob
	runs map[uuid.UUID]*CronRun
}

func NewMemCronStore() *MemCronStore {
	return &MemCronStore{
		jobs: make(map[uuid.UUID]*CronJob),
		runs: make(map[uuid.UUID]*CronRun),
	}
}

func (s *MemCronStore) CreateJob(_ context.Context, job *CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.Must(uuid.NewV7())
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	copy := *job
	s.jobs[job.ID] = &copy
	return nil
}

func (s *MemCronStore) GetJob(_ context.Context, id uuid.UUID) (*CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *job
	return &copy, nil
}

func (s *MemCronStore) ListJobs(_ context.Context, enabledOnly bool) ([]CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CronJob
	for _, job := range s.jobs {
		if enabledOnly && !job.Enabled {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemCronStore) UpdateJob(_ context.Context, job *CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	copy := *job
	s.jobs[job.ID] = &copy
	return nil
}

func (s *MemCronStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemCronStore) DueJobs(_ context.Context, now time.Time) ([]CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CronJob
	for _, job := range s.jobs {
		if !job.Enabled || job.NextRunAt == nil {
			continue
		}
		if !job.NextRunAt.After(now) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *MemCronStore) StartRun(_ context.Context, jobID uuid.UUID) (*CronRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &CronRun{
		ID:        uuid.Must(uuid.NewV7()),
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		Status:    CronRunRunning,
	}
	s.runs[run.ID] = run
	copy := *run
	return &copy, nil
}

func (s *MemCronStore) FinishRun(_ context.Context, runID uuid.UUID, status, output, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = status
	run.Output = output
	run.Error = errMsg
	return nil
}

func (s *MemCronStore) ListRuns(_ context.Context, jobID uuid.UUID, limit int) ([]CronRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CronRun
	for _, run := range s.runs {
		if run.JobID == jobID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
