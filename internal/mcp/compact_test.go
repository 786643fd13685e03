package mcp

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/arcspace-ai/archon/internal/model"
)

func TestCompactRule(t *testing.T) {
	step := "render"
	r := model.PolicyRule{
		ID:              uuid.New(),
		Owner:           "user-1",
		Scope:           model.ScopeUser,
		Step:            &step,
		Category:        "geometry",
		RuleText:        "Keep ceiling height consistent",
		Stage:           model.StageCheck,
		Escalation:      model.EscalationBody,
		Health:          88,
		ConfidenceScore: 1.0,
		Status:          model.RuleStatusActive,
	}

	m := compactRule(r)
	assert.Equal(t, "render", m["step"])
	assert.Equal(t, model.StageCheck, m["stage"])
	assert.NotContains(t, m, "context_note")
	assert.NotContains(t, m, "user_locked")
}

func TestCompactRuleTruncatesText(t *testing.T) {
	r := model.PolicyRule{
		RuleText: strings.Repeat("x", maxCompactRuleText+50),
		Stage:    model.StageNudge,
		Health:   100,
		Status:   model.RuleStatusActive,
	}
	m := compactRule(r)
	text := m["rule_text"].(string)
	assert.Len(t, text, maxCompactRuleText+3)
	assert.True(t, strings.HasSuffix(text, "..."))
}

func TestRuleContextNote(t *testing.T) {
	tests := []struct {
		name string
		rule model.PolicyRule
		want string
	}{
		{
			name: "disabled",
			rule: model.PolicyRule{Status: model.RuleStatusDisabled},
			want: "disabled",
		},
		{
			name: "law",
			rule: model.PolicyRule{Status: model.RuleStatusActive, Stage: model.StageLaw, Health: 100, ConfidenceScore: 1},
			want: "law",
		},
		{
			name: "low confidence",
			rule: model.PolicyRule{Status: model.RuleStatusActive, Stage: model.StageNudge, Health: 80, ConfidenceScore: 0.4, TriggeredCount: 10},
			want: "Low confidence",
		},
		{
			name: "low health",
			rule: model.PolicyRule{Status: model.RuleStatusActive, Stage: model.StageNudge, Health: 20, ConfidenceScore: 1},
			want: "Health is low",
		},
		{
			name: "healthy rule has no note",
			rule: model.PolicyRule{Status: model.RuleStatusActive, Stage: model.StageGuard, Health: 95, ConfidenceScore: 1},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note := ruleContextNote(tt.rule)
			if tt.want == "" {
				assert.Empty(t, note)
				return
			}
			assert.Contains(t, note, tt.want)
		})
	}
}

func TestCompactRetryState(t *testing.T) {
	s := model.RetryState{
		TaskID:       uuid.New(),
		AttemptCount: 3,
		MaxAttempts:  5,
		Status:       model.TaskQAPass,
	}
	m := compactRetryState(s)
	assert.Equal(t, 3, m["attempt_count"])
	assert.Equal(t, true, m["terminal"])
}
