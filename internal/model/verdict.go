package model

import "fmt"

// VerdictStatus is the overall outcome of a machine-QA pass.
type VerdictStatus string

const (
	VerdictPass VerdictStatus = "pass"
	VerdictFail VerdictStatus = "fail"
)

// Severity grades how bad a QA failure is. Critical always routes to
// manual review regardless of retry budget.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RetrySuggestionType is the corrective action the QA model proposes.
type RetrySuggestionType string

const (
	SuggestPromptDelta     RetrySuggestionType = "prompt_delta"
	SuggestParameterChange RetrySuggestionType = "parameter_change"
	SuggestRegenerate      RetrySuggestionType = "regenerate"
	SuggestManualReview    RetrySuggestionType = "manual_review"
)

// RetrySuggestion is the QA model's proposed fix for the next attempt.
type RetrySuggestion struct {
	Type        RetrySuggestionType `json:"type"`
	Instruction string              `json:"instruction,omitempty"`
}

// QAVerdict is the structured verdict produced by the external QA model
// for one generation attempt. It is supplied fully computed; the engine
// never calls a model itself.
type QAVerdict struct {
	Status          VerdictStatus    `json:"status"`
	Severity        Severity         `json:"severity"`
	ConfidenceScore float64          `json:"confidence_score"`
	RetrySuggestion *RetrySuggestion `json:"retry_suggestion,omitempty"`
	Reasons         []string         `json:"reasons,omitempty"`
}

// Validate checks that the verdict carries the fields the retry decision
// depends on. An invalid verdict is treated as the most conservative
// case by the caller: ineligible for retry, routed to manual review.
func (v QAVerdict) Validate() error {
	switch v.Status {
	case VerdictPass, VerdictFail:
	default:
		return fmt.Errorf("model: invalid verdict status %q", v.Status)
	}
	switch v.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("model: invalid verdict severity %q", v.Severity)
	}
	if v.ConfidenceScore < 0 || v.ConfidenceScore > 1 {
		return fmt.Errorf("model: verdict confidence %v out of range [0,1]", v.ConfidenceScore)
	}
	return nil
}
