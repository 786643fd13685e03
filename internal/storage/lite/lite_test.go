package lite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
	"github.com/arcspace-ai/archon/internal/testutil"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archon.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestOpenAppliesSchema(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Ping(context.Background()))

	// Reopening the same file is idempotent.
	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := Open(path, testutil.TestLogger())
	require.NoError(t, err)
	first.Close(context.Background())
	second, err := Open(path, testutil.TestLogger())
	require.NoError(t, err)
	second.Close(context.Background())
}

func TestUpsertRuleOnViolation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	key := storage.RuleKey{
		Owner: "user-1", Scope: model.ScopeUser, Step: "render",
		Category: "geometry", RuleText: "Keep ceiling height consistent",
	}

	rule, err := s.UpsertRuleOnViolation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, rule.ViolationCount)
	assert.Equal(t, model.StageNudge, rule.Stage)
	assert.Equal(t, 100, rule.Health)
	assert.Equal(t, 1.0, rule.ConfidenceScore)

	again, err := s.UpsertRuleOnViolation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, again.ID)
	assert.Equal(t, 2, again.ViolationCount)
}

func TestTimeDecayDemotionAndDisable(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rule, err := s.UpsertRuleOnViolation(ctx, storage.RuleKey{
		Owner: "user-1", Scope: model.ScopeUser, Category: "geometry", RuleText: "r1",
	})
	require.NoError(t, err)
	_, err = s.UpdateClassification(ctx, rule.ID, model.StageGuard, model.EscalationCritical)
	require.NoError(t, err)

	decayed, applied, err := s.ApplyTimeDecay(ctx, rule.ID, 70, 0)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, 30, decayed.Health)
	assert.Equal(t, model.StageCheck, decayed.Stage)

	decayed, applied, err = s.ApplyTimeDecay(ctx, rule.ID, 30, 0)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, 0, decayed.Health)
	assert.Equal(t, model.RuleStatusDisabled, decayed.Status)

	_, applied, err = s.ApplyTimeDecay(ctx, rule.ID, 2, 0)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestTimeDecayWindowGuard(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rule, err := s.UpsertRuleOnViolation(ctx, storage.RuleKey{
		Owner: "user-1", Scope: model.ScopeUser, Category: "geometry", RuleText: "r1",
	})
	require.NoError(t, err)

	_, applied, err := s.ApplyTimeDecay(ctx, rule.ID, 2, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, applied)

	_, applied, err = s.ApplyTimeDecay(ctx, rule.ID, 2, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, applied)

	due, err := s.ListRulesDueForDecay(ctx, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestConfidenceRecomputation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rule, err := s.UpsertRuleOnViolation(ctx, storage.RuleKey{
		Owner: "user-1", Scope: model.ScopeUser, Category: "geometry", RuleText: "r1",
	})
	require.NoError(t, err)

	var updated model.PolicyRule
	for i := 0; i < 8; i++ {
		updated, err = s.RecordConfirmedCorrect(ctx, rule.ID)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		updated, _, err = s.RecordFalsePositive(ctx, rule.ID, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, updated.TriggeredCount)
	assert.InDelta(t, 0.8, updated.ConfidenceScore, 1e-9)

	updated, applied, err := s.RecordFalsePositive(ctx, rule.ID, 30)
	require.NoError(t, err)
	require.True(t, applied)
	assert.InDelta(t, 8.0/11.0, updated.ConfidenceScore, 1e-9)
	assert.Equal(t, 70, updated.Health)
}

func TestLockedRuleIsDecayExempt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rule, err := s.UpsertRuleOnViolation(ctx, storage.RuleKey{
		Owner: "user-1", Scope: model.ScopeUser, Category: "geometry", RuleText: "r1",
	})
	require.NoError(t, err)
	require.NoError(t, s.SetRuleLocked(ctx, rule.ID, true))

	_, applied, err := s.ApplyTimeDecay(ctx, rule.ID, 2, 0)
	require.NoError(t, err)
	assert.False(t, applied)
	_, applied, err = s.ApplySilenceDecay(ctx, rule.ID, 5)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestInstanceViolationsAndDistinctRuns(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	runA, runB := uuid.New(), uuid.New()

	inst, err := s.TrackInstanceViolation(ctx, "user-1", runA, "render", "geometry", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.TriggerCount)
	inst, err = s.TrackInstanceViolation(ctx, "user-1", runA, "render", "geometry", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.TriggerCount)
	_, err = s.TrackInstanceViolation(ctx, "user-1", runB, "render", "geometry", "r1")
	require.NoError(t, err)

	count, err := s.DistinctRunCount(ctx, "user-1", "render", "geometry", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	cleared, err := s.ClearPipelineRules(ctx, runA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}

func TestCalibrationCounters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementCalibration(ctx, "user-1", "render", "lighting", storage.CalibrationFalseReject))
	require.NoError(t, s.IncrementCalibration(ctx, "user-1", "render", "lighting", storage.CalibrationFalseReject))
	require.NoError(t, s.IncrementCalibration(ctx, "user-1", "render", "lighting", storage.CalibrationConfirmedCorrect))

	stats, err := s.GetCalibrationStats(ctx, "user-1", "render")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].FalseRejectCount)
	assert.Equal(t, 1, stats[0].ConfirmedCorrectCount)
}

func TestFeedbackRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	score := 40
	signal := model.SignalDislike
	_, err := s.InsertFeedback(ctx, model.FeedbackEvent{
		Owner: "user-1", Step: "render",
		Decision: model.FeedbackRejected, Signal: &signal, Score: &score,
		ReasonText: "window reflections look fake",
		Context:    model.FeedbackContext{Room: "living_room"},
	})
	require.NoError(t, err)
	_, err = s.InsertFeedback(ctx, model.FeedbackEvent{
		Owner: "user-1", Step: "render", Decision: model.FeedbackApproved,
	})
	require.NoError(t, err)

	events, err := s.RecentFeedback(ctx, "user-1", "render", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.FeedbackApproved, events[0].Decision)
	assert.Equal(t, "living_room", events[1].Context.Room)
	require.NotNil(t, events[1].Score)
	assert.Equal(t, 40, *events[1].Score)
}

func TestRetryStateTerminal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, err := s.CreateRetryState(ctx, model.RetryState{
		Owner: "user-1", Step: "render", MaxAttempts: 5, AutoRetryEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, created.Status)

	state, err := s.RecordAttempt(ctx, created.TaskID, model.TaskQAFail, &model.QAVerdict{
		Status: model.VerdictFail, Severity: model.SeverityHigh, ConfidenceScore: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, state.AttemptCount)
	require.NotNil(t, state.LastVerdict)

	_, err = s.RecordAttempt(ctx, created.TaskID, model.TaskQAPass, nil)
	require.NoError(t, err)
	_, err = s.RecordAttempt(ctx, created.TaskID, model.TaskQAFail, nil)
	assert.ErrorIs(t, err, storage.ErrTerminalState)

	_, err = s.RecordAttempt(ctx, uuid.New(), model.TaskQAFail, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
