// Package pg backs the stores with Postgres via the pgx stdlib driver.
// Used for multi-node or managed deployments where the embedded SQLite
// default is not enough.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/seaclaw/seaclaw/internal/store"
)

// NewStores connects to Postgres with dsn and returns all stores backed by
// it, bootstrapping the schema on first use.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Cron:     NewCronStore(db),
	}, nil
}

// Open connects and bootstraps the schema.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            UUID PRIMARY KEY,
	session_key   TEXT NOT NULL UNIQUE,
	channel       TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT 'active',
	agent_id      TEXT NOT NULL DEFAULT '',
	message_count BIGINT NOT NULL DEFAULT 0,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	last_active_at TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            UUID PRIMARY KEY,
	session_id    UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	tool_calls    JSONB,
	tool_call_id  TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	inserted_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, inserted_at);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL,
	schedule      TEXT NOT NULL,
	command       TEXT NOT NULL,
	payload_type  TEXT NOT NULL,
	session_key   TEXT NOT NULL DEFAULT '',
	result_session_key TEXT NOT NULL DEFAULT '',
	agent_id      TEXT NOT NULL DEFAULT '',
	cleanup       TEXT NOT NULL DEFAULT 'delete',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	notify        JSONB,
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	run_count     BIGINT NOT NULL DEFAULT 0,
	last_run_at   TIMESTAMPTZ,
	next_run_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_job_runs (
	id          UUID PRIMARY KEY,
	job_id      UUID NOT NULL REFERENCES cron_jobs(id) ON DELETE CASCADE,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_job_runs(job_id, started_at);
`
