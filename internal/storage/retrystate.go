package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arcspace-ai/archon/internal/model"
)

// CreateRetryState inserts the attempt-budget row for a new task.
func (db *DB) CreateRetryState(ctx context.Context, s model.RetryState) (model.RetryState, error) {
	if s.TaskID == uuid.Nil {
		s.TaskID = uuid.New()
	}
	if s.Status == "" {
		s.Status = model.TaskPending
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	verdictJSON, err := marshalVerdict(s.LastVerdict)
	if err != nil {
		return model.RetryState{}, err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO retry_state (task_id, owner, step, attempt_count, max_attempts, auto_retry_enabled, current_status, last_verdict, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.TaskID, s.Owner, s.Step, s.AttemptCount, s.MaxAttempts, s.AutoRetryEnabled,
		s.Status, verdictJSON, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return model.RetryState{}, fmt.Errorf("storage: create retry state: %w", err)
	}
	return s, nil
}

// GetRetryState retrieves the retry state for a task.
func (db *DB) GetRetryState(ctx context.Context, taskID uuid.UUID) (model.RetryState, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT task_id, owner, step, attempt_count, max_attempts, auto_retry_enabled, current_status, last_verdict, created_at, updated_at
		 FROM retry_state WHERE task_id = $1`, taskID)
	s, err := scanRetryState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RetryState{}, ErrNotFound
		}
		return model.RetryState{}, fmt.Errorf("storage: get retry state: %w", err)
	}
	return s, nil
}

// RecordAttempt atomically increments the attempt count, stores the
// verdict, and moves the task to the given status. Refused once the
// task is in a terminal state (qa_pass or blocked_for_human).
func (db *DB) RecordAttempt(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, verdict *model.QAVerdict) (model.RetryState, error) {
	verdictJSON, err := marshalVerdict(verdict)
	if err != nil {
		return model.RetryState{}, err
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE retry_state SET
		     attempt_count = attempt_count + 1,
		     current_status = $2,
		     last_verdict = COALESCE($3, last_verdict),
		     updated_at = now()
		 WHERE task_id = $1 AND current_status NOT IN ('qa_pass', 'blocked_for_human')
		 RETURNING task_id, owner, step, attempt_count, max_attempts, auto_retry_enabled, current_status, last_verdict, created_at, updated_at`,
		taskID, status, verdictJSON,
	)
	s, err := scanRetryState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either unknown task or terminal state; disambiguate for the caller.
			if _, getErr := db.GetRetryState(ctx, taskID); getErr != nil {
				return model.RetryState{}, getErr
			}
			return model.RetryState{}, ErrTerminalState
		}
		return model.RetryState{}, fmt.Errorf("storage: record attempt: %w", err)
	}
	return s, nil
}

// SetTaskStatus moves a task to a new status without touching the
// attempt count. Terminal states stay terminal.
func (db *DB) SetTaskStatus(ctx context.Context, taskID uuid.UUID, status model.TaskStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE retry_state SET current_status = $2, updated_at = now()
		 WHERE task_id = $1 AND current_status NOT IN ('qa_pass', 'blocked_for_human')`,
		taskID, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := db.GetRetryState(ctx, taskID); getErr != nil {
			return getErr
		}
		return ErrTerminalState
	}
	return nil
}

func marshalVerdict(v *model.QAVerdict) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal verdict: %w", err)
	}
	return b, nil
}

func scanRetryState(row pgx.Row) (model.RetryState, error) {
	var s model.RetryState
	var verdictJSON []byte
	if err := row.Scan(
		&s.TaskID, &s.Owner, &s.Step, &s.AttemptCount, &s.MaxAttempts,
		&s.AutoRetryEnabled, &s.Status, &verdictJSON, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return model.RetryState{}, err
	}
	if len(verdictJSON) > 0 {
		var v model.QAVerdict
		if err := json.Unmarshal(verdictJSON, &v); err != nil {
			return model.RetryState{}, fmt.Errorf("storage: unmarshal verdict: %w", err)
		}
		s.LastVerdict = &v
	}
	return s, nil
}
