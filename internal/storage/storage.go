// Package storage provides the PostgreSQL storage layer for Archon.
//
// It manages connection pooling via pgxpool, a forward-only migration
// runner, and atomic mutation methods for every policy table. Every
// counter mutation (violation_count, health, outcome tallies) is a
// single store-side read-modify-write so that concurrent pipeline runs
// for the same user never lose updates.
//
// The Store interface is implemented both here (Postgres) and by the
// embedded SQLite store in the lite subpackage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arcspace-ai/archon/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTerminalState is returned when an attempt is recorded against a
// task whose status allows no further attempts.
var ErrTerminalState = errors.New("storage: task in terminal state")

// RuleKey identifies a policy rule by its learned content. Promotion
// and violation upserts are idempotent on this key.
type RuleKey struct {
	Owner    string
	Scope    model.ScopeLevel
	Step     string // "" = unbound
	Category string
	RuleText string
}

// CalibrationKind selects which calibration counter to increment.
type CalibrationKind string

const (
	CalibrationFalseReject      CalibrationKind = "false_reject"
	CalibrationFalseApprove     CalibrationKind = "false_approve"
	CalibrationConfirmedCorrect CalibrationKind = "confirmed_correct"
)

// Store is the durable state surface the engine runs against.
// All methods are safe for concurrent use from independent request
// handlers; there is no in-process shared rule state.
type Store interface {
	// Policy rules.
	UpsertRuleOnViolation(ctx context.Context, key RuleKey) (model.PolicyRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (model.PolicyRule, error)
	ListActiveRules(ctx context.Context, owner, step string, limit int) ([]model.PolicyRule, error)
	UpdateClassification(ctx context.Context, id uuid.UUID, stage model.StrengthStage, esc model.EscalationLevel) (bool, error)
	ApplyTimeDecay(ctx context.Context, id uuid.UUID, amount int, window time.Duration) (model.PolicyRule, bool, error)
	ApplySilenceDecay(ctx context.Context, id uuid.UUID, amount int) (model.PolicyRule, bool, error)
	RecordFalsePositive(ctx context.Context, id uuid.UUID, healthPenalty int) (model.PolicyRule, bool, error)
	RecordConfirmedCorrect(ctx context.Context, id uuid.UUID) (model.PolicyRule, error)
	ListRulesDueForDecay(ctx context.Context, window time.Duration, limit int) ([]model.PolicyRule, error)
	SetRuleMuted(ctx context.Context, id uuid.UUID, muted bool) error
	SetRuleLocked(ctx context.Context, id uuid.UUID, locked bool) error
	PromoteRuleToLaw(ctx context.Context, id uuid.UUID) (model.PolicyRule, error)

	// Pipeline-instance rules.
	TrackInstanceViolation(ctx context.Context, owner string, pipelineID uuid.UUID, step, category, ruleText string) (model.PipelineInstanceRule, error)
	DistinctRunCount(ctx context.Context, owner, step, category, ruleText string) (int, error)
	ClearPipelineRules(ctx context.Context, pipelineID uuid.UUID) (int64, error)

	// Calibration counters.
	IncrementCalibration(ctx context.Context, owner, step, category string, kind CalibrationKind) error
	GetCalibrationStats(ctx context.Context, owner, step string) ([]model.CalibrationStat, error)

	// Feedback events.
	InsertFeedback(ctx context.Context, e model.FeedbackEvent) (model.FeedbackEvent, error)
	RecentFeedback(ctx context.Context, owner, step string, limit int) ([]model.FeedbackEvent, error)

	// Retry state.
	CreateRetryState(ctx context.Context, s model.RetryState) (model.RetryState, error)
	GetRetryState(ctx context.Context, taskID uuid.UUID) (model.RetryState, error)
	RecordAttempt(ctx context.Context, taskID uuid.UUID, status model.TaskStatus, verdict *model.QAVerdict) (model.RetryState, error)
	SetTaskStatus(ctx context.Context, taskID uuid.UUID, status model.TaskStatus) error

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}
