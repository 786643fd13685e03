package mcp

import (
	"fmt"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/service/strength"
)

const maxCompactRuleText = 200

// compactRule returns a minimal representation of a policy rule for MCP
// responses. Drops bookkeeping timestamps agents don't act on and adds
// a rule-based context note when the rule's state warrants caution.
func compactRule(r model.PolicyRule) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"owner":      r.Owner,
		"scope":      r.Scope,
		"category":   r.Category,
		"rule_text":  truncate(r.RuleText, maxCompactRuleText),
		"stage":      r.Stage,
		"escalation": r.Escalation,
		"health":     r.Health,
		"confidence": r.ConfidenceScore,
		"status":     r.Status,
	}
	if step := r.StepOrEmpty(); step != "" {
		m["step"] = step
	}
	if r.UserLocked {
		m["user_locked"] = true
	}
	if r.UserMuted {
		m["user_muted"] = true
	}
	if note := ruleContextNote(r); note != "" {
		m["context_note"] = note
	}
	return m
}

// ruleContextNote produces a human-readable signal note for a rule.
// Rules are evaluated in priority order; first match wins. Returns ""
// when no rule fires.
func ruleContextNote(r model.PolicyRule) string {
	switch {
	case r.Status == model.RuleStatusDisabled:
		return "Rule is disabled and no longer enforced."

	case r.Stage == model.StageLaw:
		return "Manually promoted to law. Always enforced; immune to automatic reclassification."

	case r.ConfidenceScore < strength.MinBlockingConfidence && r.TriggeredCount >= 5:
		return fmt.Sprintf("Low confidence (%.2f): humans often approve outputs this rule flags.", r.ConfidenceScore)

	case r.Health <= 30:
		return fmt.Sprintf("Health is low (%d); the rule will be demoted or disabled if it keeps missing.", r.Health)

	case r.ApprovedDespiteTrigger >= 3 && r.ApprovedDespiteTrigger > r.RejectedDueToTrigger:
		return fmt.Sprintf("Overridden %d time(s); treat its verdicts as advisory.", r.ApprovedDespiteTrigger)
	}
	return ""
}

// compactRetryState returns a minimal representation of a retry state
// for MCP responses.
func compactRetryState(s model.RetryState) map[string]any {
	m := map[string]any{
		"task_id":            s.TaskID,
		"attempt_count":      s.AttemptCount,
		"max_attempts":       s.MaxAttempts,
		"status":             s.Status,
		"auto_retry_enabled": s.AutoRetryEnabled,
	}
	if s.Status.Terminal() {
		m["terminal"] = true
	}
	return m
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
