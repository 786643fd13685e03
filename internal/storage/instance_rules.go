package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
)

// TrackInstanceViolation upserts an ephemeral rule keyed by
// (owner, pipeline, step, category, rule text): created at
// trigger_count = 1 on first violation within the run, incremented and
// stamped on repeats. Callers treat failures as non-fatal — the
// pipeline must not stop because learning failed.
func (db *DB) TrackInstanceViolation(ctx context.Context, owner string, pipelineID uuid.UUID, step, category, ruleText string) (model.PipelineInstanceRule, error) {
	var r model.PipelineInstanceRule
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO pipeline_instance_rule (id, owner, pipeline_id, step, category, rule_text, trigger_count, last_triggered_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 1, now())
			 ON CONFLICT (owner, pipeline_id, step, category, rule_text)
			 DO UPDATE SET trigger_count = pipeline_instance_rule.trigger_count + 1,
			     last_triggered_at = now()
			 RETURNING id, owner, pipeline_id, step, category, rule_text, trigger_count, last_triggered_at, created_at`,
			uuid.New(), owner, pipelineID, step, category, ruleText,
		).Scan(
			&r.ID, &r.Owner, &r.PipelineID, &r.Step, &r.Category, &r.RuleText,
			&r.TriggerCount, &r.LastTriggeredAt, &r.CreatedAt,
		)
	})
	if err != nil {
		return model.PipelineInstanceRule{}, fmt.Errorf("storage: track instance violation: %w", err)
	}
	return r, nil
}

// DistinctRunCount counts the distinct pipeline runs (not rows, not raw
// trigger counts) that have recorded this exact rule key for the owner.
// The distinct-run requirement keeps one pathological run from
// prematurely creating a durable rule.
func (db *DB) DistinctRunCount(ctx context.Context, owner, step, category, ruleText string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT pipeline_id)
		 FROM pipeline_instance_rule
		 WHERE owner = $1 AND step = $2 AND category = $3 AND rule_text = $4`,
		owner, step, category, ruleText,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: distinct run count: %w", err)
	}
	return n, nil
}

// ClearPipelineRules removes the ephemeral rules of a completed pipeline
// run. Promoted rules live on as user-scope policy rules; the instance
// rows they were derived from are not preserved.
func (db *DB) ClearPipelineRules(ctx context.Context, pipelineID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM pipeline_instance_rule WHERE pipeline_id = $1`, pipelineID)
	if err != nil {
		return 0, fmt.Errorf("storage: clear pipeline rules: %w", err)
	}
	return tag.RowsAffected(), nil
}
