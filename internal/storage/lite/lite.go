// Package lite implements the Store interface on an embedded SQLite
// database. It backs single-node deployments and keeps service-level
// tests fast: the same atomic mutation contracts as the Postgres store,
// with SQLite's single-writer model standing in for row-level locking.
package lite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/arcspace-ai/archon/internal/storage"
)

// Store implements storage.Store against a SQLite file (or :memory:).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and
// applies the schema. Pass ":memory:" for an ephemeral database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("lite: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("lite: pragma %q: %w", p, err)
		}
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// rule updates; reads still interleave through WAL.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("lite: apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close(ctx context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("lite: close database", "error", err)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS policy_rule (
    id                       TEXT PRIMARY KEY,
    owner                    TEXT NOT NULL,
    scope_level              TEXT NOT NULL,
    step                     TEXT NOT NULL DEFAULT '',
    category                 TEXT NOT NULL,
    rule_text                TEXT NOT NULL,
    violation_count          INTEGER NOT NULL DEFAULT 1,
    strength_stage           TEXT NOT NULL DEFAULT 'nudge',
    escalation_level         TEXT NOT NULL DEFAULT 'body',
    health                   INTEGER NOT NULL DEFAULT 100,
    confidence_score         REAL NOT NULL DEFAULT 1.0,
    triggered_count          INTEGER NOT NULL DEFAULT 0,
    approved_despite_trigger INTEGER NOT NULL DEFAULT 0,
    rejected_due_to_trigger  INTEGER NOT NULL DEFAULT 0,
    user_muted               INTEGER NOT NULL DEFAULT 0,
    user_locked              INTEGER NOT NULL DEFAULT 0,
    status                   TEXT NOT NULL DEFAULT 'active',
    last_triggered_at        TIMESTAMP,
    last_health_decay_at     TIMESTAMP,
    created_at               TIMESTAMP NOT NULL,
    updated_at               TIMESTAMP NOT NULL,
    UNIQUE (owner, scope_level, step, category, rule_text)
);

CREATE INDEX IF NOT EXISTS idx_policy_rule_owner_step ON policy_rule (owner, step);
CREATE INDEX IF NOT EXISTS idx_policy_rule_decay_due ON policy_rule (last_health_decay_at);

CREATE TABLE IF NOT EXISTS pipeline_instance_rule (
    id                TEXT PRIMARY KEY,
    owner             TEXT NOT NULL,
    pipeline_id       TEXT NOT NULL,
    step              TEXT NOT NULL,
    category          TEXT NOT NULL,
    rule_text         TEXT NOT NULL,
    trigger_count     INTEGER NOT NULL DEFAULT 1,
    last_triggered_at TIMESTAMP NOT NULL,
    created_at        TIMESTAMP NOT NULL,
    UNIQUE (owner, pipeline_id, step, category, rule_text)
);

CREATE INDEX IF NOT EXISTS idx_instance_rule_key ON pipeline_instance_rule (owner, step, category, rule_text);
CREATE INDEX IF NOT EXISTS idx_instance_rule_pipeline ON pipeline_instance_rule (pipeline_id);

CREATE TABLE IF NOT EXISTS calibration_stat (
    owner                   TEXT NOT NULL,
    step                    TEXT NOT NULL,
    category                TEXT NOT NULL,
    false_reject_count      INTEGER NOT NULL DEFAULT 0,
    false_approve_count     INTEGER NOT NULL DEFAULT 0,
    confirmed_correct_count INTEGER NOT NULL DEFAULT 0,
    updated_at              TIMESTAMP NOT NULL,
    PRIMARY KEY (owner, step, category)
);

CREATE TABLE IF NOT EXISTS feedback_event (
    id           TEXT PRIMARY KEY,
    owner        TEXT NOT NULL,
    step         TEXT NOT NULL,
    decision     TEXT NOT NULL,
    signal       TEXT,
    score        INTEGER,
    reason_text  TEXT NOT NULL DEFAULT '',
    context_json TEXT NOT NULL DEFAULT '{}',
    created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_event_owner_step ON feedback_event (owner, step, created_at);

CREATE TABLE IF NOT EXISTS retry_state (
    task_id            TEXT PRIMARY KEY,
    owner              TEXT NOT NULL,
    step               TEXT NOT NULL,
    attempt_count      INTEGER NOT NULL DEFAULT 0,
    max_attempts       INTEGER NOT NULL DEFAULT 5,
    auto_retry_enabled INTEGER NOT NULL DEFAULT 1,
    current_status     TEXT NOT NULL DEFAULT 'pending',
    last_verdict       TEXT,
    created_at         TIMESTAMP NOT NULL,
    updated_at         TIMESTAMP NOT NULL
);
`
