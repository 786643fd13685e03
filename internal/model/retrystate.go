package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a generation task.
// qa_pass and blocked_for_human are terminal.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskRunning         TaskStatus = "running"
	TaskQAPass          TaskStatus = "qa_pass"
	TaskQAFail          TaskStatus = "qa_fail"
	TaskBlockedForHuman TaskStatus = "blocked_for_human"
)

// Terminal reports whether the status allows no further attempts.
func (s TaskStatus) Terminal() bool {
	return s == TaskQAPass || s == TaskBlockedForHuman
}

// RetryState tracks the attempt budget for one generation task.
// Created when the task starts, mutated once per attempt.
type RetryState struct {
	TaskID           uuid.UUID  `json:"task_id"`
	Owner            string     `json:"owner"`
	Step             string     `json:"step"`
	AttemptCount     int        `json:"attempt_count"`
	MaxAttempts      int        `json:"max_attempts"`
	AutoRetryEnabled bool       `json:"auto_retry_enabled"`
	Status           TaskStatus `json:"current_status"`
	LastVerdict      *QAVerdict `json:"last_verdict,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
