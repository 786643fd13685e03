// Package retrypolicy decides whether a failed render task should be
// retried and how long to wait before the next attempt.
//
// Eligibility is a pure function over the task's retry state and the
// QA verdict that failed it, so callers can evaluate a decision
// without touching storage and the same inputs always produce the
// same decision. Checks run in a fixed order and the first failing
// check wins; the reason string reports only that check even when
// several would fail.
package retrypolicy

import (
	"fmt"
	"time"

	"github.com/arcspace-ai/archon/internal/model"
)

const (
	// DefaultMaxAttempts is the per-task retry budget applied when a
	// retry state carries no explicit limit.
	DefaultMaxAttempts = 5

	// MaxTotalAttempts is the hard ceiling no per-task configuration
	// may exceed.
	MaxTotalAttempts = 20

	// MinRetryConfidence is the verdict confidence below which a
	// failure is considered too uncertain to act on automatically.
	MinRetryConfidence = 0.3

	baseDelay = 2 * time.Second
	maxDelay  = 30 * time.Second
)

// Decision is the outcome of an eligibility evaluation.
type Decision struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`

	// Delay is the wait before the next attempt. Zero when the task
	// is not eligible.
	Delay time.Duration `json:"delay_ms"`

	// Suggestion echoes the verdict's retry suggestion when the task
	// is eligible, so the caller can route the retry accordingly.
	Suggestion *model.RetrySuggestion `json:"suggestion,omitempty"`
}

// Policy carries deployment-level defaults for the eligibility
// evaluation. The zero value uses the package constants.
type Policy struct {
	// DefaultMaxAttempts replaces the package default for retry
	// states that carry no explicit limit. Values <= 0 fall back to
	// DefaultMaxAttempts; the hard ceiling still applies.
	DefaultMaxAttempts int
}

// MaxAttempts resolves the effective attempt limit for a retry state,
// clamping any configured value to the hard ceiling.
func (p Policy) MaxAttempts(state model.RetryState) int {
	limit := state.MaxAttempts
	if limit <= 0 {
		limit = p.DefaultMaxAttempts
	}
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	if limit > MaxTotalAttempts {
		limit = MaxTotalAttempts
	}
	return limit
}

// Evaluate decides whether the task behind state may be retried after
// verdict failed it. A verdict that fails validation yields a
// conservative ineligible decision rather than an error: an
// uninterpretable verdict must never trigger an automatic retry.
func (p Policy) Evaluate(state model.RetryState, verdict model.QAVerdict) Decision {
	if err := verdict.Validate(); err != nil {
		return Decision{Reason: fmt.Sprintf("verdict rejected: %v", err)}
	}
	if !state.AutoRetryEnabled {
		return Decision{Reason: "auto retry disabled for task"}
	}
	if state.Status.Terminal() {
		return Decision{Reason: fmt.Sprintf("task is in terminal state %s", state.Status)}
	}

	limit := p.MaxAttempts(state)
	if state.AttemptCount >= limit {
		return Decision{Reason: fmt.Sprintf("max attempts reached (%d/%d)", state.AttemptCount, limit)}
	}
	if verdict.Severity == model.SeverityCritical {
		return Decision{Reason: "critical severity requires manual review"}
	}
	if verdict.RetrySuggestion != nil && verdict.RetrySuggestion.Type == model.SuggestManualReview {
		return Decision{Reason: "qa suggested manual review"}
	}
	if verdict.ConfidenceScore < MinRetryConfidence {
		return Decision{Reason: fmt.Sprintf("verdict confidence %.2f below retry threshold %.2f", verdict.ConfidenceScore, MinRetryConfidence)}
	}

	return Decision{
		Eligible:   true,
		Reason:     "retry eligible",
		Delay:      Delay(state.AttemptCount),
		Suggestion: verdict.RetrySuggestion,
	}
}

// Delay returns the backoff before the given attempt number, starting
// at baseDelay for attempt 1 and doubling per attempt up to maxDelay.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
