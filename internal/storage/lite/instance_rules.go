package lite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
)

// TrackInstanceViolation upserts an ephemeral rule for one pipeline run.
func (s *Store) TrackInstanceViolation(ctx context.Context, owner string, pipelineID uuid.UUID, step, category, ruleText string) (model.PipelineInstanceRule, error) {
	now := time.Now().UTC()
	var r model.PipelineInstanceRule
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO pipeline_instance_rule (id, owner, pipeline_id, step, category, rule_text, trigger_count, last_triggered_at, created_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, 1, ?7, ?7)
		 ON CONFLICT (owner, pipeline_id, step, category, rule_text)
		 DO UPDATE SET trigger_count = trigger_count + 1,
		     last_triggered_at = ?7
		 RETURNING id, owner, pipeline_id, step, category, rule_text, trigger_count, last_triggered_at, created_at`,
		uuid.New(), owner, pipelineID, step, category, ruleText, now,
	).Scan(
		&r.ID, &r.Owner, &r.PipelineID, &r.Step, &r.Category, &r.RuleText,
		&r.TriggerCount, &r.LastTriggeredAt, &r.CreatedAt,
	)
	if err != nil {
		return model.PipelineInstanceRule{}, fmt.Errorf("lite: track instance violation: %w", err)
	}
	return r, nil
}

// DistinctRunCount counts the distinct pipeline runs that have recorded
// this exact rule key for the owner.
func (s *Store) DistinctRunCount(ctx context.Context, owner, step, category, ruleText string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT pipeline_id)
		 FROM pipeline_instance_rule
		 WHERE owner = ?1 AND step = ?2 AND category = ?3 AND rule_text = ?4`,
		owner, step, category, ruleText,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lite: distinct run count: %w", err)
	}
	return n, nil
}

// ClearPipelineRules removes the ephemeral rules of a completed run.
func (s *Store) ClearPipelineRules(ctx context.Context, pipelineID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_instance_rule WHERE pipeline_id = ?1`, pipelineID)
	if err != nil {
		return 0, fmt.Errorf("lite: clear pipeline rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("lite: clear pipeline rules rows: %w", err)
	}
	return n, nil
}
