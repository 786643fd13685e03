// Package model defines the core domain types for Archon.
//
// All types correspond directly to database tables and engine inputs.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible so the state machines stay
// exhaustively checkable.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ScopeLevel is the durability scope of a policy rule.
type ScopeLevel string

const (
	ScopePipeline ScopeLevel = "pipeline"
	ScopeUser     ScopeLevel = "user"
	ScopeGlobal   ScopeLevel = "global"
)

// StrengthStage is the UI-facing severity of a rule, controlling how
// forcefully a human is warned. Law is reachable only through explicit
// manual promotion, never through the automatic threshold function.
type StrengthStage string

const (
	StageNudge StrengthStage = "nudge"
	StageCheck StrengthStage = "check"
	StageGuard StrengthStage = "guard"
	StageLaw   StrengthStage = "law"
)

// EscalationLevel is the prompt-placement priority of a rule. Higher
// sections get more model attention. Independent of strength stage:
// it has no effect on whether a human is blocked.
type EscalationLevel string

const (
	EscalationBody     EscalationLevel = "body"
	EscalationCritical EscalationLevel = "critical"
	EscalationSystem   EscalationLevel = "system"
)

// RuleStatus is the lifecycle status of a policy rule.
// Disabled is terminal; rules are never physically deleted.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "active"
	RuleStatusPending  RuleStatus = "pending"
	RuleStatusDisabled RuleStatus = "disabled"
)

// PolicyRule is a durable constraint learned from human feedback.
//
// Invariants:
//   - Health == 0 implies Status == disabled.
//   - ConfidenceScore < 0.7 implies StrengthStage == nudge
//     (low-confidence rules never block).
//   - UserLocked rules are immune to all decay.
type PolicyRule struct {
	ID       uuid.UUID  `json:"id"`
	Owner    string     `json:"owner"`
	Scope    ScopeLevel `json:"scope_level"`
	Step     *string    `json:"step,omitempty"`
	Category string     `json:"category"`
	RuleText string     `json:"rule_text"`

	ViolationCount int             `json:"violation_count"`
	Stage          StrengthStage   `json:"strength_stage"`
	Escalation     EscalationLevel `json:"escalation_level"`

	// Health is a decaying 0-100 vitality score; reaching 0 disables the rule.
	Health int `json:"health"`

	// ConfidenceScore is the fraction of past triggers later confirmed
	// correct by a human rejecting the same output. 1.0 until the rule has
	// at least MinConfidenceSample triggers.
	ConfidenceScore float64 `json:"confidence_score"`

	TriggeredCount         int `json:"triggered_count"`
	ApprovedDespiteTrigger int `json:"approved_despite_trigger"`
	RejectedDueToTrigger   int `json:"rejected_due_to_trigger"`

	UserMuted  bool `json:"user_muted"`
	UserLocked bool `json:"user_locked"`

	Status RuleStatus `json:"status"`

	LastTriggeredAt   *time.Time `json:"last_triggered_at,omitempty"`
	LastHealthDecayAt *time.Time `json:"last_health_decay_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// StepOrEmpty returns the bound step, or "" when the rule applies to all steps.
func (r PolicyRule) StepOrEmpty() string {
	if r.Step == nil {
		return ""
	}
	return *r.Step
}

// DecayExempt reports whether the rule is immune to all decay paths.
func (r PolicyRule) DecayExempt() bool {
	return r.UserMuted || r.UserLocked
}

// PipelineInstanceRule is the ephemeral counterpart of a PolicyRule,
// scoped to one pipeline run. Read-only input to promotion logic;
// conceptually cleared when its owning run completes unless promoted.
type PipelineInstanceRule struct {
	ID              uuid.UUID `json:"id"`
	Owner           string    `json:"owner"`
	PipelineID      uuid.UUID `json:"pipeline_id"`
	Step            string    `json:"step"`
	Category        string    `json:"category"`
	RuleText        string    `json:"rule_text"`
	TriggerCount    int       `json:"trigger_count"`
	LastTriggeredAt time.Time `json:"last_triggered_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// CalibrationStat is a monotonically-incremented aggregate of QA outcome
// quality per (owner, step, category). Never decremented and never touched
// by decay; used only to compute a point-in-time strictness classification.
type CalibrationStat struct {
	Owner                 string    `json:"owner"`
	Step                  string    `json:"step"`
	Category              string    `json:"category"`
	FalseRejectCount      int       `json:"false_reject_count"`
	FalseApproveCount     int       `json:"false_approve_count"`
	ConfirmedCorrectCount int       `json:"confirmed_correct_count"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ValidScopeLevels lists every accepted scope level.
var ValidScopeLevels = map[ScopeLevel]bool{
	ScopePipeline: true,
	ScopeUser:     true,
	ScopeGlobal:   true,
}

// ValidStrengthStages lists every accepted strength stage.
var ValidStrengthStages = map[StrengthStage]bool{
	StageNudge: true,
	StageCheck: true,
	StageGuard: true,
	StageLaw:   true,
}

// ValidEscalationLevels lists every accepted escalation level.
var ValidEscalationLevels = map[EscalationLevel]bool{
	EscalationBody:     true,
	EscalationCritical: true,
	EscalationSystem:   true,
}
