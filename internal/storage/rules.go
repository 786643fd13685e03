package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arcspace-ai/archon/internal/model"
)

const ruleColumns = `id, owner, scope_level, step, category, rule_text, violation_count,
	 strength_stage, escalation_level, health, confidence_score,
	 triggered_count, approved_despite_trigger, rejected_due_to_trigger,
	 user_muted, user_locked, status, last_triggered_at, last_health_decay_at,
	 created_at, updated_at`

// confidenceExpr recomputes confidence from the post-update tallies.
// Rules with fewer than 5 triggers keep the optimistic prior of 1.0;
// beyond that, confidence is literally the fraction of triggers a human
// later confirmed by rejecting the same output.
//
// %[1]s is the post-update triggered count, %[2]s the post-update
// rejected-due tally. Both must be written against OLD column values
// because every SET expression in Postgres sees the pre-update row.
const confidenceExpr = `CASE WHEN %[1]s < 5 THEN 1.0
	 ELSE LEAST(GREATEST((%[2]s)::float8 / (%[1]s), 0), 1) END`

// UpsertRuleOnViolation creates a policy rule at violation_count = 1
// with the optimistic prior (health 100, confidence 1.0), or atomically
// increments the violation count of the existing rule for the same key.
// The upsert makes promotion races harmless: two concurrent promotions
// for one key converge on a single row.
func (db *DB) UpsertRuleOnViolation(ctx context.Context, key RuleKey) (model.PolicyRule, error) {
	var r model.PolicyRule
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		row := db.pool.QueryRow(ctx,
			`INSERT INTO policy_rule (id, owner, scope_level, step, category, rule_text,
			     violation_count, strength_stage, escalation_level, health, confidence_score,
			     status, last_triggered_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 1, 'nudge', 'body', 100, 1.0, 'active', now())
			 ON CONFLICT (owner, scope_level, step, category, rule_text)
			 DO UPDATE SET violation_count = policy_rule.violation_count + 1,
			     last_triggered_at = now(),
			     updated_at = now()
			 RETURNING `+ruleColumns,
			uuid.New(), key.Owner, key.Scope, key.Step, key.Category, key.RuleText,
		)
		var scanErr error
		r, scanErr = scanRule(row)
		return scanErr
	})
	if err != nil {
		return model.PolicyRule{}, fmt.Errorf("storage: upsert rule on violation: %w", err)
	}
	return r, nil
}

// GetRule retrieves a policy rule by ID.
func (db *DB) GetRule(ctx context.Context, id uuid.UUID) (model.PolicyRule, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM policy_rule WHERE id = $1`, id)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PolicyRule{}, ErrNotFound
		}
		return model.PolicyRule{}, fmt.Errorf("storage: get rule: %w", err)
	}
	return r, nil
}

// ListActiveRules returns the owner's active, unmuted rules applicable
// to a step (step-bound rules plus unbound rules), strongest first.
func (db *DB) ListActiveRules(ctx context.Context, owner, step string, limit int) ([]model.PolicyRule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+`
		 FROM policy_rule
		 WHERE owner = $1 AND status = 'active' AND NOT user_muted
		   AND (step = $2 OR step = '')
		 ORDER BY violation_count DESC, created_at ASC
		 LIMIT $3`,
		owner, step, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// UpdateClassification stores a recomputed stage and escalation level.
// The write is conditional so a classification is recorded (and audited
// by the caller) only when it actually differs from the stored value.
func (db *DB) UpdateClassification(ctx context.Context, id uuid.UUID, stage model.StrengthStage, esc model.EscalationLevel) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE policy_rule
		 SET strength_stage = $2, escalation_level = $3, updated_at = now()
		 WHERE id = $1 AND (strength_stage <> $2 OR escalation_level <> $3)`,
		id, stage, esc,
	)
	if err != nil {
		return false, fmt.Errorf("storage: update classification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyTimeDecay applies the scheduled health decay to one rule, at most
// once per window. Demotions happen in the same statement: guard drops
// to check at health <= 30, check drops to nudge at health <= 15, and a
// rule hitting health 0 is disabled for good. Muted, locked, and
// disabled rules are untouched. Returns applied = false when the window
// guard (or an exemption) skipped the rule.
func (db *DB) ApplyTimeDecay(ctx context.Context, id uuid.UUID, amount int, window time.Duration) (model.PolicyRule, bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := db.pool.QueryRow(ctx,
		`UPDATE policy_rule SET
		     health = GREATEST(health - $2, 0),
		     strength_stage = CASE
		         WHEN GREATEST(health - $2, 0) <= 15 AND strength_stage = 'check' THEN 'nudge'
		         WHEN GREATEST(health - $2, 0) <= 30 AND strength_stage = 'guard' THEN 'check'
		         ELSE strength_stage END,
		     status = CASE WHEN GREATEST(health - $2, 0) = 0 THEN 'disabled' ELSE status END,
		     last_health_decay_at = now(),
		     updated_at = now()
		 WHERE id = $1
		   AND status = 'active'
		   AND NOT user_muted AND NOT user_locked
		   AND (last_health_decay_at IS NULL OR last_health_decay_at <= $3)
		 RETURNING `+ruleColumns,
		id, amount, cutoff,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PolicyRule{}, false, nil
		}
		return model.PolicyRule{}, false, fmt.Errorf("storage: apply time decay: %w", err)
	}
	return r, true, nil
}

// ApplySilenceDecay applies the good-behavior decay for a rule that
// stayed silent through a completed task. No window guard: the caller
// fires it once per completed task per untriggered rule.
func (db *DB) ApplySilenceDecay(ctx context.Context, id uuid.UUID, amount int) (model.PolicyRule, bool, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE policy_rule SET
		     health = GREATEST(health - $2, 0),
		     status = CASE WHEN GREATEST(health - $2, 0) = 0 THEN 'disabled' ELSE status END,
		     updated_at = now()
		 WHERE id = $1 AND status = 'active' AND NOT user_muted AND NOT user_locked
		 RETURNING `+ruleColumns,
		id, amount,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PolicyRule{}, false, nil
		}
		return model.PolicyRule{}, false, fmt.Errorf("storage: apply silence decay: %w", err)
	}
	return r, true, nil
}

// RecordFalsePositive applies the heavy decay for a rule that triggered
// a rejection a human subsequently overrode: health drops by healthPenalty,
// the outcome tallies shift toward "approved despite trigger", and
// confidence is recomputed from the new tallies. If the recomputed
// confidence falls below the blocking floor the stage is capped at nudge
// in the same statement (law stays law; it is a manual designation).
func (db *DB) RecordFalsePositive(ctx context.Context, id uuid.UUID, healthPenalty int) (model.PolicyRule, bool, error) {
	conf := fmt.Sprintf(confidenceExpr, "triggered_count + 1", "rejected_due_to_trigger")
	row := db.pool.QueryRow(ctx,
		`UPDATE policy_rule SET
		     health = GREATEST(health - $2, 0),
		     triggered_count = triggered_count + 1,
		     approved_despite_trigger = approved_despite_trigger + 1,
		     confidence_score = `+conf+`,
		     strength_stage = CASE
		         WHEN strength_stage <> 'law' AND (`+conf+`) < 0.7 THEN 'nudge'
		         ELSE strength_stage END,
		     status = CASE WHEN GREATEST(health - $2, 0) = 0 THEN 'disabled' ELSE status END,
		     updated_at = now()
		 WHERE id = $1 AND status = 'active' AND NOT user_muted AND NOT user_locked
		 RETURNING `+ruleColumns,
		id, healthPenalty,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PolicyRule{}, false, nil
		}
		return model.PolicyRule{}, false, fmt.Errorf("storage: record false positive: %w", err)
	}
	return r, true, nil
}

// RecordConfirmedCorrect records that a human rejection confirmed the
// rule's trigger. Tallies are monotonic; confidence is recomputed from
// the new counts. No health change: confirmation is not a decay path.
func (db *DB) RecordConfirmedCorrect(ctx context.Context, id uuid.UUID) (model.PolicyRule, error) {
	conf := fmt.Sprintf(confidenceExpr, "triggered_count + 1", "rejected_due_to_trigger + 1")
	row := db.pool.QueryRow(ctx,
		`UPDATE policy_rule SET
		     triggered_count = triggered_count + 1,
		     rejected_due_to_trigger = rejected_due_to_trigger + 1,
		     confidence_score = `+conf+`,
		     updated_at = now()
		 WHERE id = $1 AND status = 'active'
		 RETURNING `+ruleColumns,
		id,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PolicyRule{}, ErrNotFound
		}
		return model.PolicyRule{}, fmt.Errorf("storage: record confirmed correct: %w", err)
	}
	return r, nil
}

// ListRulesDueForDecay returns active rules whose last decay tick is
// older than the window (or that never decayed), oldest first. The
// sweep job pages through this in batches.
func (db *DB) ListRulesDueForDecay(ctx context.Context, window time.Duration, limit int) ([]model.PolicyRule, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().UTC().Add(-window)
	rows, err := db.pool.Query(ctx,
		`SELECT `+ruleColumns+`
		 FROM policy_rule
		 WHERE status = 'active' AND NOT user_muted AND NOT user_locked
		   AND (last_health_decay_at IS NULL OR last_health_decay_at <= $1)
		 ORDER BY last_health_decay_at ASC NULLS FIRST
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list rules due for decay: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// SetRuleMuted toggles the user mute flag.
func (db *DB) SetRuleMuted(ctx context.Context, id uuid.UUID, muted bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE policy_rule SET user_muted = $2, updated_at = now() WHERE id = $1`, id, muted)
	if err != nil {
		return fmt.Errorf("storage: set rule muted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRuleLocked toggles the user lock flag. Locked rules are immune to
// every decay path.
func (db *DB) SetRuleLocked(ctx context.Context, id uuid.UUID, locked bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE policy_rule SET user_locked = $2, updated_at = now() WHERE id = $1`, id, locked)
	if err != nil {
		return fmt.Errorf("storage: set rule locked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteRuleToLaw is the explicit manual promotion path — the only way
// a rule ever reaches the law stage.
func (db *DB) PromoteRuleToLaw(ctx context.Context, id uuid.UUID) (model.PolicyRule, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE policy_rule SET strength_stage = 'law', updated_at = now()
		 WHERE id = $1 AND status = 'active'
		 RETURNING `+ruleColumns,
		id,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PolicyRule{}, ErrNotFound
		}
		return model.PolicyRule{}, fmt.Errorf("storage: promote rule to law: %w", err)
	}
	return r, nil
}

func scanRule(row pgx.Row) (model.PolicyRule, error) {
	var r model.PolicyRule
	var step string
	if err := row.Scan(
		&r.ID, &r.Owner, &r.Scope, &step, &r.Category, &r.RuleText, &r.ViolationCount,
		&r.Stage, &r.Escalation, &r.Health, &r.ConfidenceScore,
		&r.TriggeredCount, &r.ApprovedDespiteTrigger, &r.RejectedDueToTrigger,
		&r.UserMuted, &r.UserLocked, &r.Status, &r.LastTriggeredAt, &r.LastHealthDecayAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return model.PolicyRule{}, err
	}
	if step != "" {
		r.Step = &step
	}
	return r, nil
}

func scanRules(rows pgx.Rows) ([]model.PolicyRule, error) {
	var out []model.PolicyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
