package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
)

const ruleColumns = `id, owner, scope_level, step, category, rule_text, violation_count,
	 strength_stage, escalation_level, health, confidence_score,
	 triggered_count, approved_despite_trigger, rejected_due_to_trigger,
	 user_muted, user_locked, status, last_triggered_at, last_health_decay_at,
	 created_at, updated_at`

// confidenceExpr mirrors the Postgres store's recompute: optimistic 1.0
// under 5 triggers, else the clamped fraction of confirmed triggers.
// %[1]s is the post-update triggered count, %[2]s the post-update
// rejected-due tally, written against OLD column values.
const confidenceExpr = `CASE WHEN %[1]s < 5 THEN 1.0
	 ELSE MIN(MAX(CAST(%[2]s AS REAL) / (%[1]s), 0), 1) END`

// UpsertRuleOnViolation creates a rule at violation_count = 1 with the
// optimistic prior, or increments the existing row for the same key.
func (s *Store) UpsertRuleOnViolation(ctx context.Context, key storage.RuleKey) (model.PolicyRule, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO policy_rule (id, owner, scope_level, step, category, rule_text,
		     violation_count, strength_stage, escalation_level, health, confidence_score,
		     status, last_triggered_at, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, 1, 'nudge', 'body', 100, 1.0, 'active', ?7, ?7, ?7)
		 ON CONFLICT (owner, scope_level, step, category, rule_text)
		 DO UPDATE SET violation_count = violation_count + 1,
		     last_triggered_at = ?7,
		     updated_at = ?7
		 RETURNING `+ruleColumns,
		uuid.New(), key.Owner, key.Scope, key.Step, key.Category, key.RuleText, now,
	)
	r, err := scanRule(row)
	if err != nil {
		return model.PolicyRule{}, fmt.Errorf("lite: upsert rule on violation: %w", err)
	}
	return r, nil
}

// GetRule retrieves a policy rule by ID.
func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (model.PolicyRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM policy_rule WHERE id = ?1`, id)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PolicyRule{}, storage.ErrNotFound
		}
		return model.PolicyRule{}, fmt.Errorf("lite: get rule: %w", err)
	}
	return r, nil
}

// ListActiveRules returns the owner's active, unmuted rules applicable
// to a step, strongest first.
func (s *Store) ListActiveRules(ctx context.Context, owner, step string, limit int) ([]model.PolicyRule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+`
		 FROM policy_rule
		 WHERE owner = ?1 AND status = 'active' AND user_muted = 0
		   AND (step = ?2 OR step = '')
		 ORDER BY violation_count DESC, created_at ASC
		 LIMIT ?3`,
		owner, step, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list active rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// UpdateClassification stores a recomputed stage and escalation level,
// reporting whether anything actually changed.
func (s *Store) UpdateClassification(ctx context.Context, id uuid.UUID, stage model.StrengthStage, esc model.EscalationLevel) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_rule
		 SET strength_stage = ?2, escalation_level = ?3, updated_at = ?4
		 WHERE id = ?1 AND (strength_stage <> ?2 OR escalation_level <> ?3)`,
		id, stage, esc, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("lite: update classification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lite: update classification rows: %w", err)
	}
	return n > 0, nil
}

// ApplyTimeDecay applies the scheduled health decay, at most once per
// window, with the same demotion and disable rules as the Postgres store.
func (s *Store) ApplyTimeDecay(ctx context.Context, id uuid.UUID, amount int, window time.Duration) (model.PolicyRule, bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-window)
	row := s.db.QueryRowContext(ctx,
		`UPDATE policy_rule SET
		     health = MAX(health - ?2, 0),
		     strength_stage = CASE
		         WHEN MAX(health - ?2, 0) <= 15 AND strength_stage = 'check' THEN 'nudge'
		         WHEN MAX(health - ?2, 0) <= 30 AND strength_stage = 'guard' THEN 'check'
		         ELSE strength_stage END,
		     status = CASE WHEN MAX(health - ?2, 0) = 0 THEN 'disabled' ELSE status END,
		     last_health_decay_at = ?4,
		     updated_at = ?4
		 WHERE id = ?1
		   AND status = 'active'
		   AND user_muted = 0 AND user_locked = 0
		   AND (last_health_decay_at IS NULL OR last_health_decay_at <= ?3)
		 RETURNING `+ruleColumns,
		id, amount, cutoff, now,
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PolicyRule{}, false, nil
		}
		return model.PolicyRule{}, false, fmt.Errorf("lite: apply time decay: %w", err)
	}
	return r, true, nil
}

// ApplySilenceDecay applies the good-behavior decay for a rule that
// stayed silent through a completed task.
func (s *Store) ApplySilenceDecay(ctx context.Context, id uuid.UUID, amount int) (model.PolicyRule, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE policy_rule SET
		     health = MAX(health - ?2, 0),
		     status = CASE WHEN MAX(health - ?2, 0) = 0 THEN 'disabled' ELSE status END,
		     updated_at = ?3
		 WHERE id = ?1 AND status = 'active' AND user_muted = 0 AND user_locked = 0
		 RETURNING `+ruleColumns,
		id, amount, time.Now().UTC(),
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PolicyRule{}, false, nil
		}
		return model.PolicyRule{}, false, fmt.Errorf("lite: apply silence decay: %w", err)
	}
	return r, true, nil
}

// RecordFalsePositive applies the heavy decay for an overridden
// rejection and recomputes confidence from the shifted tallies.
func (s *Store) RecordFalsePositive(ctx context.Context, id uuid.UUID, healthPenalty int) (model.PolicyRule, bool, error) {
	conf := fmt.Sprintf(confidenceExpr, "triggered_count + 1", "rejected_due_to_trigger")
	row := s.db.QueryRowContext(ctx,
		`UPDATE policy_rule SET
		     health = MAX(health - ?2, 0),
		     triggered_count = triggered_count + 1,
		     approved_despite_trigger = approved_despite_trigger + 1,
		     confidence_score = `+conf+`,
		     strength_stage = CASE
		         WHEN strength_stage <> 'law' AND (`+conf+`) < 0.7 THEN 'nudge'
		         ELSE strength_stage END,
		     status = CASE WHEN MAX(health - ?2, 0) = 0 THEN 'disabled' ELSE status END,
		     updated_at = ?3
		 WHERE id = ?1 AND status = 'active' AND user_muted = 0 AND user_locked = 0
		 RETURNING `+ruleColumns,
		id, healthPenalty, time.Now().UTC(),
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PolicyRule{}, false, nil
		}
		return model.PolicyRule{}, false, fmt.Errorf("lite: record false positive: %w", err)
	}
	return r, true, nil
}

// RecordConfirmedCorrect shifts the tallies toward confirmation and
// recomputes confidence. No health change.
func (s *Store) RecordConfirmedCorrect(ctx context.Context, id uuid.UUID) (model.PolicyRule, error) {
	conf := fmt.Sprintf(confidenceExpr, "triggered_count + 1", "rejected_due_to_trigger + 1")
	row := s.db.QueryRowContext(ctx,
		`UPDATE policy_rule SET
		     triggered_count = triggered_count + 1,
		     rejected_due_to_trigger = rejected_due_to_trigger + 1,
		     confidence_score = `+conf+`,
		     updated_at = ?2
		 WHERE id = ?1 AND status = 'active'
		 RETURNING `+ruleColumns,
		id, time.Now().UTC(),
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PolicyRule{}, storage.ErrNotFound
		}
		return model.PolicyRule{}, fmt.Errorf("lite: record confirmed correct: %w", err)
	}
	return r, nil
}

// ListRulesDueForDecay returns active rules whose last decay tick is
// older than the window, oldest first.
func (s *Store) ListRulesDueForDecay(ctx context.Context, window time.Duration, limit int) ([]model.PolicyRule, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+`
		 FROM policy_rule
		 WHERE status = 'active' AND user_muted = 0 AND user_locked = 0
		   AND (last_health_decay_at IS NULL OR last_health_decay_at <= ?1)
		 ORDER BY last_health_decay_at ASC
		 LIMIT ?2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list rules due for decay: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// SetRuleMuted toggles the user mute flag.
func (s *Store) SetRuleMuted(ctx context.Context, id uuid.UUID, muted bool) error {
	return s.setFlag(ctx, id, "user_muted", muted)
}

// SetRuleLocked toggles the user lock flag.
func (s *Store) SetRuleLocked(ctx context.Context, id uuid.UUID, locked bool) error {
	return s.setFlag(ctx, id, "user_locked", locked)
}

func (s *Store) setFlag(ctx context.Context, id uuid.UUID, col string, v bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE policy_rule SET `+col+` = ?2, updated_at = ?3 WHERE id = ?1`,
		id, v, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("lite: set %s: %w", col, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lite: set %s rows: %w", col, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PromoteRuleToLaw is the explicit manual promotion path.
func (s *Store) PromoteRuleToLaw(ctx context.Context, id uuid.UUID) (model.PolicyRule, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE policy_rule SET strength_stage = 'law', updated_at = ?2
		 WHERE id = ?1 AND status = 'active'
		 RETURNING `+ruleColumns,
		id, time.Now().UTC(),
	)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PolicyRule{}, storage.ErrNotFound
		}
		return model.PolicyRule{}, fmt.Errorf("lite: promote rule to law: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (model.PolicyRule, error) {
	var r model.PolicyRule
	var step string
	var lastTriggered, lastDecay sql.NullTime
	if err := row.Scan(
		&r.ID, &r.Owner, &r.Scope, &step, &r.Category, &r.RuleText, &r.ViolationCount,
		&r.Stage, &r.Escalation, &r.Health, &r.ConfidenceScore,
		&r.TriggeredCount, &r.ApprovedDespiteTrigger, &r.RejectedDueToTrigger,
		&r.UserMuted, &r.UserLocked, &r.Status, &lastTriggered, &lastDecay,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return model.PolicyRule{}, err
	}
	if step != "" {
		r.Step = &step
	}
	if lastTriggered.Valid {
		r.LastTriggeredAt = &lastTriggered.Time
	}
	if lastDecay.Valid {
		r.LastHealthDecayAt = &lastDecay.Time
	}
	return r, nil
}

func scanRules(rows *sql.Rows) ([]model.PolicyRule, error) {
	var out []model.PolicyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("lite: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
