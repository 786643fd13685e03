package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
)

// CreateRetryState inserts the attempt-budget row for a new task.
func (s *Store) CreateRetryState(ctx context.Context, st model.RetryState) (model.RetryState, error) {
	if st.TaskID == uuid.Nil {
		st.TaskID = uuid.New()
	}
	if st.Status == "" {
		st.Status = model.TaskPending
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	verdictJSON, err := marshalVerdict(st.LastVerdict)
	if err != nil {
		return model.RetryState{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_state (task_id, owner, step, attempt_count, max_attempts, auto_retry_enabled, current_status, last_verdict, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10)`,
		st.TaskID, st.Owner, st.Step, st.AttemptCount, st.MaxAttempts, st.AutoRetryEnabled,
		st.Status, verdictJSON, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return model.RetryState{}, fmt.Errorf("lite: create retry state: %w", err)
	}
	return st, nil
}

// GetRetryState retrieves the retry state for a task.
func (s *Store) GetRetryState(ctx context.Context, taskID uuid.UUID) (model.RetryState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, owner, step, attempt_count, max_attempts, auto_retry_enabled, current_status, last_verdict, created_at, updated_at
		 FROM retry_state WHERE task_id = ?1`, taskID)
	st, err := scanRetryState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RetryState{}, storage.ErrNotFound
		}
		return model.RetryState{}, fmt.Errorf("lite: get retry state: %w", err)
	}
	return st, nil
}

// RecordAttempt atomically increments the attempt count, stores the
// verdict, and moves the task to the given status. Refused once the
// task is terminal.
func (s *Store) RecordAttempt(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, verdict *model.QAVerdict) (model.RetryState, error) {
	verdictJSON, err := marshalVerdict(verdict)
	if err != nil {
		return model.RetryState{}, err
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE retry_state SET
		     attempt_count = attempt_count + 1,
		     current_status = ?2,
		     last_verdict = COALESCE(?3, last_verdict),
		     updated_at = ?4
		 WHERE task_id = ?1 AND current_status NOT IN ('qa_pass', 'blocked_for_human')
		 RETURNING task_id, owner, step, attempt_count, max_attempts, auto_retry_enabled, current_status, last_verdict, created_at, updated_at`,
		taskID, status, verdictJSON, time.Now().UTC(),
	)
	st, err := scanRetryState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetRetryState(ctx, taskID); getErr != nil {
				return model.RetryState{}, getErr
			}
			return model.RetryState{}, storage.ErrTerminalState
		}
		return model.RetryState{}, fmt.Errorf("lite: record attempt: %w", err)
	}
	return st, nil
}

// SetTaskStatus moves a task to a new status without touching the
// attempt count. Terminal states stay terminal.
func (s *Store) SetTaskStatus(ctx context.Context, taskID uuid.UUID, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE retry_state SET current_status = ?2, updated_at = ?3
		 WHERE task_id = ?1 AND current_status NOT IN ('qa_pass', 'blocked_for_human')`,
		taskID, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("lite: set task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lite: set task status rows: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetRetryState(ctx, taskID); getErr != nil {
			return getErr
		}
		return storage.ErrTerminalState
	}
	return nil
}

func marshalVerdict(v *model.QAVerdict) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("lite: marshal verdict: %w", err)
	}
	return string(b), nil
}

func scanRetryState(row rowScanner) (model.RetryState, error) {
	var st model.RetryState
	var verdictJSON sql.NullString
	if err := row.Scan(
		&st.TaskID, &st.Owner, &st.Step, &st.AttemptCount, &st.MaxAttempts,
		&st.AutoRetryEnabled, &st.Status, &verdictJSON, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return model.RetryState{}, err
	}
	if verdictJSON.Valid && verdictJSON.String != "" {
		var v model.QAVerdict
		if err := json.Unmarshal([]byte(verdictJSON.String), &v); err != nil {
			return model.RetryState{}, fmt.Errorf("lite: unmarshal verdict: %w", err)
		}
		st.LastVerdict = &v
	}
	return st, nil
}
