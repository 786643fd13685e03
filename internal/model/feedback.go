package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackDecision is the binary outcome of a human review.
type FeedbackDecision string

const (
	FeedbackApproved FeedbackDecision = "approved"
	FeedbackRejected FeedbackDecision = "rejected"
)

// FeedbackSignal is the lightweight like/dislike channel. Signals are
// mapped onto decisions (like → approved, dislike → rejected) for
// uniform handling in the memory builder.
type FeedbackSignal string

const (
	SignalLike    FeedbackSignal = "like"
	SignalDislike FeedbackSignal = "dislike"
)

// Decision returns the decision a signal maps onto.
func (s FeedbackSignal) Decision() FeedbackDecision {
	if s == SignalLike {
		return FeedbackApproved
	}
	return FeedbackRejected
}

// FeedbackContext is the snapshot of generation context captured with a
// feedback event, used to make few-shot examples concrete.
type FeedbackContext struct {
	Room      string `json:"room,omitempty"`
	Camera    string `json:"camera,omitempty"`
	SpaceType string `json:"space_type,omitempty"`
}

// FeedbackEvent is an immutable record of one human signal. Append-only;
// the sole input the lifecycle manager and decay engine read to update
// policy rules.
type FeedbackEvent struct {
	ID         uuid.UUID        `json:"id"`
	Owner      string           `json:"owner"`
	Step       string           `json:"step"`
	Decision   FeedbackDecision `json:"decision"`
	Signal     *FeedbackSignal  `json:"signal,omitempty"`
	Score      *int             `json:"score,omitempty"` // 0-100, user-assigned
	ReasonText string           `json:"reason_text"`
	Context    FeedbackContext  `json:"context"`
	CreatedAt  time.Time        `json:"created_at"`
}

// EffectiveDecision resolves the event to a single decision, preferring
// the explicit decision and falling back to the signal mapping.
func (e FeedbackEvent) EffectiveDecision() FeedbackDecision {
	if e.Decision == FeedbackApproved || e.Decision == FeedbackRejected {
		return e.Decision
	}
	if e.Signal != nil {
		return e.Signal.Decision()
	}
	return FeedbackRejected
}
