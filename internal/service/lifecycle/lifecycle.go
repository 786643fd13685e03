// Package lifecycle manages the rule learning lifecycle: tracking
// violations against ephemeral pipeline-instance rules, promoting a
// recurring rule to durable user scope, and keeping the derived stage
// and escalation classifications current.
//
// Learning is strictly best-effort. A generation pipeline must never
// fail because the engine could not record what it learned, so tracking
// errors are logged and swallowed rather than returned to the caller.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/service/strength"
	"github.com/arcspace-ai/archon/internal/storage"
	"github.com/arcspace-ai/archon/internal/telemetry"
)

// PromotionThreshold is the number of distinct pipeline runs a rule key
// must recur across before it becomes a durable user-scope rule.
// Distinct runs, not raw triggers: a single pathological run hammering
// one rule should not mint a durable policy.
const PromotionThreshold = 3

// Manager tracks violations and promotes recurring rules.
type Manager struct {
	store  storage.Store
	logger *slog.Logger

	violationsTracked metric.Int64Counter
	rulesPromoted     metric.Int64Counter
	stageChanges      metric.Int64Counter
}

// New creates a lifecycle Manager.
func New(store storage.Store, logger *slog.Logger) *Manager {
	meter := telemetry.Meter("archon/lifecycle")
	tracked, _ := meter.Int64Counter("archon.lifecycle.violations_tracked",
		metric.WithDescription("Pipeline-instance rule violations recorded"))
	promoted, _ := meter.Int64Counter("archon.lifecycle.rules_promoted",
		metric.WithDescription("Rules promoted from pipeline to user scope"))
	changes, _ := meter.Int64Counter("archon.lifecycle.stage_changes",
		metric.WithDescription("Strength stage or escalation level transitions recorded"))
	return &Manager{
		store:             store,
		logger:            logger,
		violationsTracked: tracked,
		rulesPromoted:     promoted,
		stageChanges:      changes,
	}
}

// TrackViolation upserts the ephemeral rule for this pipeline run and,
// when the key has recurred across enough distinct runs, promotes it to
// a durable user-scope rule. Side effect only: every failure is logged
// and swallowed so the caller's pipeline proceeds regardless.
func (m *Manager) TrackViolation(ctx context.Context, owner string, pipelineID uuid.UUID, step, category, ruleText string) {
	_, err := m.store.TrackInstanceViolation(ctx, owner, pipelineID, step, category, ruleText)
	if err != nil {
		m.logger.Warn("lifecycle: track violation failed (non-fatal)",
			"error", err, "owner", owner, "category", category)
		return
	}
	m.violationsTracked.Add(ctx, 1)

	eligible, err := m.CheckPromotionEligible(ctx, owner, step, category, ruleText)
	if err != nil {
		m.logger.Warn("lifecycle: promotion check failed (non-fatal)", "error", err, "owner", owner)
		return
	}
	if !eligible {
		return
	}

	if _, err := m.PromoteToUser(ctx, owner, step, category, ruleText); err != nil {
		m.logger.Warn("lifecycle: promotion failed (non-fatal)", "error", err, "owner", owner)
	}
}

// CheckPromotionEligible reports whether the rule key has recurred
// across at least PromotionThreshold distinct pipeline runs. The count
// is read from the durable store after the triggering write committed,
// never from an in-memory cache, so the check observes every prior
// increment.
func (m *Manager) CheckPromotionEligible(ctx context.Context, owner, step, category, ruleText string) (bool, error) {
	n, err := m.store.DistinctRunCount(ctx, owner, step, category, ruleText)
	if err != nil {
		return false, err
	}
	return n >= PromotionThreshold, nil
}

// PromoteToUser creates (or re-touches) the durable user-scope rule for
// the key. Promotion is one-way and idempotent: concurrent promotions
// for the same key converge on one row via the upsert, and a promoted
// rule is never demoted back to pipeline scope, only disabled by decay.
func (m *Manager) PromoteToUser(ctx context.Context, owner, step, category, ruleText string) (model.PolicyRule, error) {
	rule, err := m.store.UpsertRuleOnViolation(ctx, storage.RuleKey{
		Owner:    owner,
		Scope:    model.ScopeUser,
		Step:     step,
		Category: category,
		RuleText: ruleText,
	})
	if err != nil {
		return model.PolicyRule{}, err
	}

	if rule.ViolationCount == 1 {
		m.rulesPromoted.Add(ctx, 1)
		m.logger.Info("lifecycle: rule promoted to user scope",
			"rule_id", rule.ID, "owner", owner, "category", category)
	}

	return m.reclassify(ctx, rule)
}

// RecordViolation registers a trigger against an existing durable rule:
// the violation count moves atomically in the store, then the derived
// classifications are recomputed and stored if they changed.
func (m *Manager) RecordViolation(ctx context.Context, key storage.RuleKey) (model.PolicyRule, error) {
	rule, err := m.store.UpsertRuleOnViolation(ctx, key)
	if err != nil {
		return model.PolicyRule{}, err
	}
	return m.reclassify(ctx, rule)
}

// reclassify recomputes stage and escalation for the rule's current
// counters and persists them when they differ from the stored values.
// The transition is recorded for audit only when something changed.
func (m *Manager) reclassify(ctx context.Context, rule model.PolicyRule) (model.PolicyRule, error) {
	stage, esc := strength.Reclassify(rule)
	if stage == rule.Stage && esc == rule.Escalation {
		return rule, nil
	}

	changed, err := m.store.UpdateClassification(ctx, rule.ID, stage, esc)
	if err != nil {
		return model.PolicyRule{}, err
	}
	if changed {
		m.stageChanges.Add(ctx, 1)
		m.logger.Info("lifecycle: rule reclassified",
			"rule_id", rule.ID,
			"stage", string(stage), "prev_stage", string(rule.Stage),
			"escalation", string(esc), "prev_escalation", string(rule.Escalation))
	}
	rule.Stage = stage
	rule.Escalation = esc
	return rule, nil
}

// CompletePipeline clears the ephemeral rules of a finished run.
// Promoted rules survive as user-scope policy rules.
func (m *Manager) CompletePipeline(ctx context.Context, pipelineID uuid.UUID) {
	n, err := m.store.ClearPipelineRules(ctx, pipelineID)
	if err != nil {
		m.logger.Warn("lifecycle: clear pipeline rules failed (non-fatal)",
			"error", err, "pipeline_id", pipelineID)
		return
	}
	if n > 0 {
		m.logger.Debug("lifecycle: cleared pipeline rules", "pipeline_id", pipelineID, "count", n)
	}
}
