package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
)

// InsertFeedback appends one immutable human signal and returns it.
func (db *DB) InsertFeedback(ctx context.Context, e model.FeedbackEvent) (model.FeedbackEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return model.FeedbackEvent{}, fmt.Errorf("storage: marshal feedback context: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO feedback_event (id, owner, step, decision, signal, score, reason_text, context_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Owner, e.Step, e.Decision, e.Signal, e.Score, e.ReasonText, contextJSON, e.CreatedAt,
	)
	if err != nil {
		return model.FeedbackEvent{}, fmt.Errorf("storage: insert feedback: %w", err)
	}
	return e, nil
}

// RecentFeedback returns the owner's most recent feedback events for a
// step, newest first.
func (db *DB) RecentFeedback(ctx context.Context, owner, step string, limit int) ([]model.FeedbackEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner, step, decision, signal, score, reason_text, context_json, created_at
		 FROM feedback_event
		 WHERE owner = $1 AND step = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		owner, step, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent feedback: %w", err)
	}
	defer rows.Close()

	var out []model.FeedbackEvent
	for rows.Next() {
		var e model.FeedbackEvent
		var contextJSON []byte
		if err := rows.Scan(
			&e.ID, &e.Owner, &e.Step, &e.Decision, &e.Signal, &e.Score,
			&e.ReasonText, &contextJSON, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
				return nil, fmt.Errorf("storage: unmarshal feedback context: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
