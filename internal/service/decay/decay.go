// Package decay ages policy rules over time and in response to
// outcomes, and recomputes rule confidence from trigger history.
//
// Three decay paths exist, each an atomic store-side decrement against
// the [0,100] health floor and ceiling:
//
//   - time decay: -2 per 24h window, with stage demotions at low health
//   - good-behavior decay: -5 per completed task a rule stayed silent in
//   - false-positive decay: -30 when a human overrode a rule's rejection
//
// Exactly one path fires per rule per event. Muted and locked rules are
// immune to all three. A rule reaching health 0 is disabled for good.
package decay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
	"github.com/arcspace-ai/archon/internal/telemetry"
)

const (
	// TimeDecayAmount is subtracted from health once per decay window.
	TimeDecayAmount = 2
	// SilenceDecayAmount is subtracted when a rule stays silent through
	// a completed task.
	SilenceDecayAmount = 5
	// FalsePositiveDecayAmount is subtracted when a human approves an
	// output the rule had flagged. Much heavier than the other paths:
	// a false positive is strong evidence the rule is wrong.
	FalsePositiveDecayAmount = 30

	// DecayWindow is the minimum interval between time-decay ticks for
	// one rule. The sweep is idempotent within the window.
	DecayWindow = 24 * time.Hour

	// MinConfidenceSample is the trigger count below which a rule keeps
	// the optimistic confidence prior of 1.0.
	MinConfidenceSample = 5
)

// Confidence computes a rule's confidence from its outcome tallies:
// the fraction of triggers later confirmed correct by a human rejecting
// the same output. Below MinConfidenceSample triggers the sample is too
// small to judge and the optimistic prior of 1.0 is returned
// unconditionally. Not a smoothed estimator; the raw clamped fraction.
func Confidence(triggered, approvedDespite, rejectedDue int) float64 {
	_ = approvedDespite // tallied for audit; the fraction uses confirmations only
	if triggered < MinConfidenceSample {
		return 1.0
	}
	f := float64(rejectedDue) / float64(triggered)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Engine applies decay and outcome updates to rules.
type Engine struct {
	store  storage.Store
	logger *slog.Logger

	decayApplied   metric.Int64Counter
	rulesDisabled  metric.Int64Counter
	falsePositives metric.Int64Counter
	sweepDuration  metric.Float64Histogram
}

// New creates a decay Engine.
func New(store storage.Store, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("archon/decay")
	applied, _ := meter.Int64Counter("archon.decay.applied",
		metric.WithDescription("Decay decrements applied, by path"))
	disabled, _ := meter.Int64Counter("archon.decay.rules_disabled",
		metric.WithDescription("Rules disabled by reaching health 0"))
	fps, _ := meter.Int64Counter("archon.decay.false_positives",
		metric.WithDescription("False-positive overrides recorded"))
	sweepDur, _ := meter.Float64Histogram("archon.decay.sweep.duration",
		metric.WithDescription("Time to run one decay sweep (ms)"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		store:          store,
		logger:         logger,
		decayApplied:   applied,
		rulesDisabled:  disabled,
		falsePositives: fps,
		sweepDuration:  sweepDur,
	}
}

// RewardSilence applies the good-behavior decay to every rule that was
// not triggered during a completed task. Failures are logged per rule
// and do not stop the remaining rules from being processed.
func (e *Engine) RewardSilence(ctx context.Context, ruleIDs []uuid.UUID) {
	for _, id := range ruleIDs {
		rule, applied, err := e.store.ApplySilenceDecay(ctx, id, SilenceDecayAmount)
		if err != nil {
			e.logger.Warn("decay: silence decay failed (non-fatal)", "error", err, "rule_id", id)
			continue
		}
		if !applied {
			continue
		}
		e.decayApplied.Add(ctx, 1)
		e.noteDisabled(ctx, rule)
	}
}

// RecordFalsePositive applies the heavy decay for a rule that triggered
// a rejection a human subsequently approved anyway, shifting its outcome
// tallies and recomputing confidence in the same atomic write.
func (e *Engine) RecordFalsePositive(ctx context.Context, ruleID uuid.UUID) (model.PolicyRule, error) {
	rule, applied, err := e.store.RecordFalsePositive(ctx, ruleID, FalsePositiveDecayAmount)
	if err != nil {
		return model.PolicyRule{}, err
	}
	if !applied {
		// Muted, locked, or already disabled: nothing to record.
		return model.PolicyRule{}, nil
	}
	e.falsePositives.Add(ctx, 1)
	e.decayApplied.Add(ctx, 1)
	e.noteDisabled(ctx, rule)
	e.logger.Info("decay: false positive recorded",
		"rule_id", rule.ID, "health", rule.Health, "confidence", rule.ConfidenceScore)
	return rule, nil
}

// RecordConfirmedCorrect records a human rejection that confirmed the
// rule's trigger. Confirmation is not a decay path: tallies shift and
// confidence recomputes, health is untouched.
func (e *Engine) RecordConfirmedCorrect(ctx context.Context, ruleID uuid.UUID) (model.PolicyRule, error) {
	return e.store.RecordConfirmedCorrect(ctx, ruleID)
}

func (e *Engine) noteDisabled(ctx context.Context, rule model.PolicyRule) {
	if rule.Status == model.RuleStatusDisabled {
		e.rulesDisabled.Add(ctx, 1)
		e.logger.Info("decay: rule disabled at zero health", "rule_id", rule.ID)
	}
}
