// Package memory assembles the bounded feedback-memory block injected
// into generation and QA prompts.
//
// The block merges the owner's recent human feedback with their active
// policy rules into a calibration hint, a capped preference list, and a
// handful of few-shot examples. Learned preferences are soft signal:
// the rendered block opens with an explicit statement that hard rules
// always win, so a noisy personal-preference pattern can never
// override a structural constraint.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
	"github.com/arcspace-ai/archon/internal/telemetry"
)

const (
	// DefaultEventLimit is how many recent feedback events a build
	// considers when the caller passes no limit.
	DefaultEventLimit = 20

	// MaxPreferences caps the learned-preference list.
	MaxPreferences = 10

	// MaxExamples caps the few-shot example list.
	MaxExamples = 5

	// MaxBlockBytes bounds the rendered injection block. Examples and
	// preferences are dropped oldest-first until the block fits.
	MaxBlockBytes = 2048

	// minPatternRecurrence is how many times a rejection keyword must
	// recur before it surfaces as a preference.
	minPatternRecurrence = 2
)

// Strictness classifies how demanding an owner's recent feedback has been.
type Strictness string

const (
	StrictnessLenient  Strictness = "lenient"
	StrictnessBalanced Strictness = "balanced"
	StrictnessStrict   Strictness = "strict"
)

// CalibrationHints summarizes QA outcome quality for the prompt.
// Rates are percentages over the aggregated calibration counters.
type CalibrationHints struct {
	FalseRejectRate  float64    `json:"false_reject_rate"`
	FalseApproveRate float64    `json:"false_approve_rate"`
	Strictness       Strictness `json:"user_strictness"`
}

// Example is one concrete past decision used as a few-shot sample.
type Example struct {
	Decision  model.FeedbackDecision `json:"decision"`
	Reason    string                 `json:"reason"`
	Context   model.FeedbackContext  `json:"context"`
	CreatedAt time.Time              `json:"created_at"`
}

// Memory is the assembled feedback memory for one (owner, step).
type Memory struct {
	Owner       string           `json:"owner"`
	Step        string           `json:"step"`
	Hints       CalibrationHints `json:"hints"`
	Preferences []string         `json:"preferences"`
	Examples    []Example        `json:"examples"`
}

// Builder reads the rule store and feedback history to assemble memory
// blocks. Stateless between calls; all inputs come from the store.
type Builder struct {
	store      storage.Store
	logger     *slog.Logger
	eventLimit int

	builds        metric.Int64Counter
	buildDuration metric.Float64Histogram
}

// NewBuilder wires a Builder with its metric instruments. eventLimit is
// the number of recent feedback events merged when a caller does not
// ask for a specific count; <= 0 uses DefaultEventLimit.
func NewBuilder(store storage.Store, logger *slog.Logger, eventLimit int) *Builder {
	if eventLimit <= 0 {
		eventLimit = DefaultEventLimit
	}
	meter := telemetry.Meter("archon/memory")
	builds, _ := meter.Int64Counter("archon.memory.builds",
		metric.WithDescription("Feedback memory blocks assembled"))
	buildDuration, _ := meter.Float64Histogram("archon.memory.build.duration",
		metric.WithDescription("Memory build duration in milliseconds"),
		metric.WithUnit("ms"))
	return &Builder{
		store:         store,
		logger:        logger,
		eventLimit:    eventLimit,
		builds:        builds,
		buildDuration: buildDuration,
	}
}

// Build assembles the feedback memory for one owner and step. limit
// bounds how many recent feedback events are merged; <=0 uses the
// builder's configured default. Explicit approve/reject decisions and
// like/dislike signals are handled uniformly via each event's
// effective decision.
func (b *Builder) Build(ctx context.Context, owner, step string, limit int) (Memory, error) {
	start := time.Now()
	if limit <= 0 {
		limit = b.eventLimit
	}

	events, err := b.store.RecentFeedback(ctx, owner, step, limit)
	if err != nil {
		return Memory{}, fmt.Errorf("memory: load feedback: %w", err)
	}
	stats, err := b.store.GetCalibrationStats(ctx, owner, step)
	if err != nil {
		return Memory{}, fmt.Errorf("memory: load calibration stats: %w", err)
	}
	rules, err := b.store.ListActiveRules(ctx, owner, step, MaxPreferences)
	if err != nil {
		return Memory{}, fmt.Errorf("memory: load rules: %w", err)
	}

	m := Memory{
		Owner:       owner,
		Step:        step,
		Hints:       Hints(stats, events),
		Preferences: Preferences(rules, events),
		Examples:    FewShot(events),
	}

	b.builds.Add(ctx, 1)
	b.buildDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	b.logger.Debug("memory: built block",
		"owner", owner, "step", step,
		"preferences", len(m.Preferences), "examples", len(m.Examples),
		"strictness", string(m.Hints.Strictness))
	return m, nil
}

// Hints computes the calibration hints from aggregated stats and the
// merged event list.
func Hints(stats []model.CalibrationStat, events []model.FeedbackEvent) CalibrationHints {
	var falseReject, falseApprove, confirmed int
	for _, s := range stats {
		falseReject += s.FalseRejectCount
		falseApprove += s.FalseApproveCount
		confirmed += s.ConfirmedCorrectCount
	}

	h := CalibrationHints{Strictness: strictness(events)}
	total := falseReject + falseApprove + confirmed
	if total > 0 {
		h.FalseRejectRate = 100 * float64(falseReject) / float64(total)
		h.FalseApproveRate = 100 * float64(falseApprove) / float64(total)
	}
	return h
}

// strictness derives the owner's strictness from the average
// user-assigned score and the rejection rate over the merged events.
// Events without a score do not contribute to the average; with no
// scored events the average is treated as the neutral midpoint.
func strictness(events []model.FeedbackEvent) Strictness {
	if len(events) == 0 {
		return StrictnessBalanced
	}

	var scoreSum, scored, rejected int
	for _, e := range events {
		if e.Score != nil {
			scoreSum += *e.Score
			scored++
		}
		if e.EffectiveDecision() == model.FeedbackRejected {
			rejected++
		}
	}

	avgScore := 50.0
	if scored > 0 {
		avgScore = float64(scoreSum) / float64(scored)
	}
	rejectionRate := float64(rejected) / float64(len(events))

	switch {
	case avgScore > 65 && rejectionRate < 0.3:
		return StrictnessLenient
	case avgScore < 45 || rejectionRate > 0.6:
		return StrictnessStrict
	default:
		return StrictnessBalanced
	}
}

// Preferences extracts up to MaxPreferences learned preferences: the
// top active rules by support count, then recurring keywords from
// rejection reason text. A keyword surfaces only once it appears in at
// least minPatternRecurrence distinct rejections.
func Preferences(rules []model.PolicyRule, events []model.FeedbackEvent) []string {
	prefs := make([]string, 0, MaxPreferences)
	seen := make(map[string]bool)

	for _, r := range rules {
		if len(prefs) >= MaxPreferences {
			return prefs
		}
		text := strings.TrimSpace(r.RuleText)
		if text == "" || seen[strings.ToLower(text)] {
			continue
		}
		seen[strings.ToLower(text)] = true
		prefs = append(prefs, text)
	}

	for _, kw := range rejectionKeywords(events) {
		if len(prefs) >= MaxPreferences {
			break
		}
		if seen[kw.word] {
			continue
		}
		seen[kw.word] = true
		prefs = append(prefs, fmt.Sprintf("Rejections often mention %q (%d times recently)", kw.word, kw.count))
	}
	return prefs
}

type keyword struct {
	word  string
	count int
}

// stopwords are skipped during rejection-reason clustering.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "but": true, "by": true, "for": true,
	"in": true, "is": true, "it": true, "its": true, "not": true,
	"of": true, "on": true, "or": true, "should": true, "that": true,
	"the": true, "this": true, "to": true, "too": true, "was": true,
	"with": true,
}

// rejectionKeywords counts content words across rejection reasons,
// one count per event per word, and returns those that recur, most
// frequent first.
func rejectionKeywords(events []model.FeedbackEvent) []keyword {
	counts := make(map[string]int)
	for _, e := range events {
		if e.EffectiveDecision() != model.FeedbackRejected || e.ReasonText == "" {
			continue
		}
		inEvent := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(e.ReasonText)) {
			w = strings.Trim(w, ".,;:!?\"'()")
			if len(w) < 3 || stopwords[w] || inEvent[w] {
				continue
			}
			inEvent[w] = true
			counts[w]++
		}
	}

	kws := make([]keyword, 0, len(counts))
	for w, c := range counts {
		if c >= minPatternRecurrence {
			kws = append(kws, keyword{word: w, count: c})
		}
	}
	sort.Slice(kws, func(i, j int) bool {
		if kws[i].count != kws[j].count {
			return kws[i].count > kws[j].count
		}
		return kws[i].word < kws[j].word
	})
	return kws
}

// FewShot selects up to MaxExamples recent events carrying reason
// text, preserving recency order.
func FewShot(events []model.FeedbackEvent) []Example {
	examples := make([]Example, 0, MaxExamples)
	for _, e := range events {
		if len(examples) >= MaxExamples {
			break
		}
		if strings.TrimSpace(e.ReasonText) == "" {
			continue
		}
		examples = append(examples, Example{
			Decision:  e.EffectiveDecision(),
			Reason:    e.ReasonText,
			Context:   e.Context,
			CreatedAt: e.CreatedAt,
		})
	}
	return examples
}

// Summary is the compact telemetry view of a built memory.
type Summary struct {
	Step             string     `json:"step"`
	ExamplesCount    int        `json:"examples_count"`
	PreferencesCount int        `json:"preferences_count"`
	Strictness       Strictness `json:"strictness"`
	FalseRejectRate  float64    `json:"false_reject_rate"`
}

// Summarize returns the telemetry summary for a memory.
func Summarize(m Memory) Summary {
	return Summary{
		Step:             m.Step,
		ExamplesCount:    len(m.Examples),
		PreferencesCount: len(m.Preferences),
		Strictness:       m.Hints.Strictness,
		FalseRejectRate:  m.Hints.FalseRejectRate,
	}
}
