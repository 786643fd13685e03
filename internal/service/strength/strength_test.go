package strength

import (
	"testing"

	"github.com/arcspace-ai/archon/internal/model"
)

func TestStage(t *testing.T) {
	tests := []struct {
		name       string
		violations int
		confidence float64
		want       model.StrengthStage
	}{
		{"new rule", 1, 1.0, model.StageNudge},
		{"two violations stays nudge", 2, 1.0, model.StageNudge},
		{"three violations becomes check", 3, 1.0, model.StageCheck},
		{"five violations stays check", 5, 1.0, model.StageCheck},
		{"six violations becomes guard", 6, 1.0, model.StageGuard},
		{"many violations stays guard", 50, 1.0, model.StageGuard},
		{"low confidence caps at nudge", 6, 0.69, model.StageNudge},
		{"low confidence caps even huge counts", 1000, 0.5, model.StageNudge},
		{"confidence exactly at floor blocks normally", 6, 0.7, model.StageGuard},
		{"zero confidence new rule", 1, 0.0, model.StageNudge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stage(tt.violations, tt.confidence); got != tt.want {
				t.Errorf("Stage(%d, %v) = %v, want %v", tt.violations, tt.confidence, got, tt.want)
			}
		})
	}
}

// Stage must never return law: law is only reachable by manual promotion.
func TestStageNeverReturnsLaw(t *testing.T) {
	for violations := 0; violations <= 200; violations++ {
		for _, conf := range []float64{0, 0.3, 0.7, 0.9, 1.0} {
			if Stage(violations, conf) == model.StageLaw {
				t.Fatalf("Stage(%d, %v) returned law", violations, conf)
			}
		}
	}
}

func TestEscalation(t *testing.T) {
	tests := []struct {
		violations int
		want       model.EscalationLevel
	}{
		{0, model.EscalationBody},
		{1, model.EscalationBody},
		{2, model.EscalationCritical},
		{3, model.EscalationCritical},
		{4, model.EscalationSystem},
		{100, model.EscalationSystem},
	}

	for _, tt := range tests {
		if got := Escalation(tt.violations); got != tt.want {
			t.Errorf("Escalation(%d) = %v, want %v", tt.violations, got, tt.want)
		}
	}
}

// Escalation is deliberately not gated by confidence: a rule can sit in
// the system prompt section while its stage is still nudge.
func TestEscalationIndependentOfStage(t *testing.T) {
	r := model.PolicyRule{ViolationCount: 10, ConfidenceScore: 0.2}
	stage, esc := Reclassify(r)
	if stage != model.StageNudge {
		t.Errorf("stage = %v, want nudge for low confidence", stage)
	}
	if esc != model.EscalationSystem {
		t.Errorf("escalation = %v, want system for 10 violations", esc)
	}
}

func TestReclassifyPreservesLaw(t *testing.T) {
	r := model.PolicyRule{Stage: model.StageLaw, ViolationCount: 1, ConfidenceScore: 1.0}
	stage, _ := Reclassify(r)
	if stage != model.StageLaw {
		t.Errorf("stage = %v, want law preserved", stage)
	}
}
