package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerdictValidate(t *testing.T) {
	valid := QAVerdict{Status: VerdictFail, Severity: SeverityMedium, ConfidenceScore: 0.9}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		verdict QAVerdict
	}{
		{"empty status", QAVerdict{Severity: SeverityLow, ConfidenceScore: 0.5}},
		{"unknown status", QAVerdict{Status: "maybe", Severity: SeverityLow, ConfidenceScore: 0.5}},
		{"unknown severity", QAVerdict{Status: VerdictFail, Severity: "fatal", ConfidenceScore: 0.5}},
		{"confidence below range", QAVerdict{Status: VerdictFail, Severity: SeverityLow, ConfidenceScore: -0.1}},
		{"confidence above range", QAVerdict{Status: VerdictFail, Severity: SeverityLow, ConfidenceScore: 1.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.verdict.Validate())
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskQAPass.Terminal())
	assert.True(t, TaskBlockedForHuman.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.False(t, TaskQAFail.Terminal())
}

func TestFeedbackSignalDecision(t *testing.T) {
	assert.Equal(t, FeedbackApproved, SignalLike.Decision())
	assert.Equal(t, FeedbackRejected, SignalDislike.Decision())
}

func TestEffectiveDecision(t *testing.T) {
	like := SignalLike

	assert.Equal(t, FeedbackApproved, FeedbackEvent{Decision: FeedbackApproved}.EffectiveDecision())
	assert.Equal(t, FeedbackRejected, FeedbackEvent{Decision: FeedbackRejected}.EffectiveDecision())

	// An explicit decision wins over a contradicting signal.
	assert.Equal(t, FeedbackRejected, FeedbackEvent{Decision: FeedbackRejected, Signal: &like}.EffectiveDecision())

	// Signal-only events fall back to the mapping.
	assert.Equal(t, FeedbackApproved, FeedbackEvent{Signal: &like}.EffectiveDecision())

	// Nothing at all is treated as the conservative outcome.
	assert.Equal(t, FeedbackRejected, FeedbackEvent{}.EffectiveDecision())
}

func TestPolicyRuleStepOrEmpty(t *testing.T) {
	step := "render"
	assert.Equal(t, "", PolicyRule{}.StepOrEmpty())
	assert.Equal(t, "render", PolicyRule{Step: &step}.StepOrEmpty())
}

func TestPolicyRuleDecayExempt(t *testing.T) {
	assert.False(t, PolicyRule{}.DecayExempt())
	assert.True(t, PolicyRule{UserMuted: true}.DecayExempt())
	assert.True(t, PolicyRule{UserLocked: true}.DecayExempt())
}
