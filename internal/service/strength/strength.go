// Package strength derives a rule's strength stage and escalation level
// from its violation history.
//
// The two classifiers read the same violation count but serve different
// consumers: Stage controls how forcefully a human is warned, Escalation
// controls which section of the next prompt the rule text lands in.
// They are deliberately computed independently — even a low-confidence
// rule deserves prompt visibility, but it must never block a human.
package strength

import "github.com/arcspace-ai/archon/internal/model"

// MinBlockingConfidence is the confidence floor below which a rule is
// capped at nudge regardless of how often it has fired.
const MinBlockingConfidence = 0.7

// Violation thresholds for the automatic stage function. Law is never
// returned here; it is reachable only through manual promotion.
const (
	guardThreshold = 6
	checkThreshold = 3
)

// Escalation thresholds for prompt placement.
const (
	systemThreshold   = 4
	criticalThreshold = 2
)

// Stage classifies a rule's strength from its violation count and
// confidence. Recomputing from the same inputs always yields the same
// stage.
func Stage(violationCount int, confidence float64) model.StrengthStage {
	if confidence < MinBlockingConfidence {
		return model.StageNudge
	}
	switch {
	case violationCount >= guardThreshold:
		return model.StageGuard
	case violationCount >= checkThreshold:
		return model.StageCheck
	default:
		return model.StageNudge
	}
}

// Escalation classifies a rule's prompt-placement priority from its
// violation count alone. Not gated by confidence.
func Escalation(violationCount int) model.EscalationLevel {
	switch {
	case violationCount >= systemThreshold:
		return model.EscalationSystem
	case violationCount >= criticalThreshold:
		return model.EscalationCritical
	default:
		return model.EscalationBody
	}
}

// Reclassify returns the stage and escalation for a rule's current
// counters, preserving a manually promoted law stage.
func Reclassify(r model.PolicyRule) (model.StrengthStage, model.EscalationLevel) {
	esc := Escalation(r.ViolationCount)
	if r.Stage == model.StageLaw {
		return model.StageLaw, esc
	}
	return Stage(r.ViolationCount, r.ConfidenceScore), esc
}
