package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/store"
)

// CronStore implements store.CronStore on Postgres.
type CronStore struct {
	db *sql.DB
}

func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

const cronJobCols = `id, name, schedule, command, payload_type, session_key,
	result_session_key, agent_id, cleanup, timeout_seconds, notify, enabled,
	run_count, last_run_at, next_run_at, created_at`

func (s *CronStore) CreateJob(ctx context.Context, job *store.CronJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.Must(uuid.NewV7())
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	notify, err := marshalNotify(job.Notify)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (`+cronJobCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.Name, job.Schedule, job.Command, job.PayloadType,
		job.SessionKey, job.ResultSessionKey, job.AgentID, job.Cleanup,
		job.TimeoutSeconds, notify, job.Enabled, job.RunCount,
		job.LastRunAt, job.NextRunAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create cron job: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *CronStore) GetJob(ctx context.Context, id uuid.UUID) (*store.CronJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cronJobCols+` FROM cron_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

func (s *CronStore) ListJobs(ctx context.Context, enabledOnly bool) ([]store.CronJob, error) {
	q := `SELECT ` + cronJobCols + ` FROM cron_jobs`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY created_at`
	return s.queryJobs(ctx, q)
}

func (s *CronStore) UpdateJob(ctx context.Context, job *store.CronJob) error {
	notify, err := marshalNotify(job.Notify)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET name = $1, schedule = $2, command = $3, payload_type = $4,
		        session_key = $5, result_session_key = $6, agent_id = $7, cleanup = $8,
		        timeout_seconds = $9, notify = $10, enabled = $11, run_count = $12,
		        last_run_at = $13, next_run_at = $14
		 WHERE id = $15`,
		job.Name, job.Schedule, job.Command, job.PayloadType,
		job.SessionKey, job.ResultSessionKey, job.AgentID, job.Cleanup,
		job.TimeoutSeconds, notify, job.Enabled, job.RunCount,
		job.LastRunAt, job.NextRunAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update cron job: %v", store.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CronStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete cron job: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *CronStore) DueJobs(ctx context.Context, now time.Time) ([]store.CronJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+cronJobCols+` FROM cron_jobs
		 WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at`, now.UTC())
}

func (s *CronStore) StartRun(ctx context.Context, jobID uuid.UUID) (*store.CronRun, error) {
	run := &store.CronRun{
		ID:        uuid.Must(uuid.NewV7()),
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		Status:    store.CronRunRunning,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_job_runs (id, job_id, started_at, status)
		 VALUES ($1, $2, $3, $4)`,
		run.ID, jobID, run.StartedAt, run.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: start run: %v", store.ErrPersistence, err)
	}
	return run, nil
}

func (s *CronStore) FinishRun(ctx context.Context, runID uuid.UUID, status, output, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_job_runs SET finished_at = $1, status = $2, output = $3, error = $4
		 WHERE id = $5`,
		time.Now().UTC(), status, output, errMsg, runID)
	if err != nil {
		return fmt.Errorf("%w: finish run: %v", store.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *CronStore) ListRuns(ctx context.Context, jobID uuid.UUID, limit int) ([]store.CronRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, finished_at, status, output, error
		 FROM cron_job_runs WHERE job_id = $1
		 ORDER BY started_at DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	var out []store.CronRun
	for rows.Next() {
		var run store.CronRun
		var finished sql.NullTime
		err := rows.Scan(&run.ID, &run.JobID, &run.StartedAt, &finished,
			&run.Status, &run.Output, &run.Error)
		if err != nil {
			return nil, fmt.Errorf("%w: scan run: %v", store.ErrPersistence, err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *CronStore) queryJobs(ctx context.Context, q string, args ...any) ([]store.CronJob, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query cron jobs: %v", store.ErrPersistence, err)
	}
	defer rows.Close()

	var out []store.CronJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*store.CronJob, error) {
	var job store.CronJob
	var notify []byte
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&job.ID, &job.Name, &job.Schedule, &job.Command, &job.PayloadType,
		&job.SessionKey, &job.ResultSessionKey, &job.AgentID, &job.Cleanup,
		&job.TimeoutSeconds, &notify, &job.Enabled, &job.RunCount,
		&lastRun, &nextRun, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan cron job: %v", store.ErrPersistence, err)
	}
	if len(notify) > 0 {
		_ = json.Unmarshal(notify, &job.Notify)
	}
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	return &job, nil
}

func marshalNotify(targets []store.NotifyTarget) (any, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(targets)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal notify: %v", store.ErrPersistence, err)
	}
	return b, nil
}
