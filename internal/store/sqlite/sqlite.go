// Package sqlite backs the stores with an embedded SQLite database. This is
// the default persistence for single-node deployments; no external service
// required.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/seaclaw/seaclaw/internal/store"
)

// NewStores opens (or creates) the database at path and returns all stores
// backed by it.
func NewStores(path string) (*store.Stores, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Sessions: NewSessionStore(db),
		Cron:     NewCronStore(db),
	}, nil
}

// Open opens the SQLite file and bootstraps the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	session_key   TEXT NOT NULL UNIQUE,
	channel       TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL DEFAULT 'active',
	agent_id      TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	last_active_at TIMESTAMP NOT NULL,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	tool_calls    TEXT,
	tool_call_id  TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	inserted_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, inserted_at);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	schedule      TEXT NOT NULL,
	command       TEXT NOT NULL,
	payload_type  TEXT NOT NULL,
	session_key   TEXT NOT NULL DEFAULT '',
	result_session_key TEXT NOT NULL DEFAULT '',
	agent_id      TEXT NOT NULL DEFAULT '',
	cleanup       TEXT NOT NULL DEFAULT 'delete',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	notify        TEXT,
	enabled       INTEGER NOT NULL DEFAULT 1,
	run_count     INTEGER NOT NULL DEFAULT 0,
	last_run_at   TIMESTAMP,
	next_run_at   TIMESTAMP,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_job_runs (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES cron_jobs(id) ON DELETE CASCADE,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	status      TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_job_runs(job_id, started_at);
`
