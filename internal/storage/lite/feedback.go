package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
)

// InsertFeedback appends one immutable human signal and returns it.
func (s *Store) InsertFeedback(ctx context.Context, e model.FeedbackEvent) (model.FeedbackEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return model.FeedbackEvent{}, fmt.Errorf("lite: marshal feedback context: %w", err)
	}

	var signal any
	if e.Signal != nil {
		signal = string(*e.Signal)
	}
	var score any
	if e.Score != nil {
		score = *e.Score
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback_event (id, owner, step, decision, signal, score, reason_text, context_json, created_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)`,
		e.ID, e.Owner, e.Step, e.Decision, signal, score, e.ReasonText, string(contextJSON), e.CreatedAt,
	)
	if err != nil {
		return model.FeedbackEvent{}, fmt.Errorf("lite: insert feedback: %w", err)
	}
	return e, nil
}

// RecentFeedback returns the owner's most recent events for a step,
// newest first.
func (s *Store) RecentFeedback(ctx context.Context, owner, step string, limit int) ([]model.FeedbackEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, step, decision, signal, score, reason_text, context_json, created_at
		 FROM feedback_event
		 WHERE owner = ?1 AND step = ?2
		 ORDER BY created_at DESC
		 LIMIT ?3`,
		owner, step, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: recent feedback: %w", err)
	}
	defer rows.Close()

	var out []model.FeedbackEvent
	for rows.Next() {
		var e model.FeedbackEvent
		var signal sql.NullString
		var score sql.NullInt64
		var contextJSON string
		if err := rows.Scan(
			&e.ID, &e.Owner, &e.Step, &e.Decision, &signal, &score,
			&e.ReasonText, &contextJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("lite: scan feedback: %w", err)
		}
		if signal.Valid {
			sig := model.FeedbackSignal(signal.String)
			e.Signal = &sig
		}
		if score.Valid {
			n := int(score.Int64)
			e.Score = &n
		}
		if contextJSON != "" {
			if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
				return nil, fmt.Errorf("lite: unmarshal feedback context: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
