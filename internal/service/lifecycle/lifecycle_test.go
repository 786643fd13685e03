package lifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/storage"
	"github.com/arcspace-ai/archon/internal/storage/lite"
	"github.com/arcspace-ai/archon/internal/testutil"
)

func newManager(t *testing.T) (*Manager, *lite.Store) {
	t.Helper()
	s, err := lite.Open(filepath.Join(t.TempDir(), "archon.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return New(s, testutil.TestLogger()), s
}

func userRules(t *testing.T, s *lite.Store, owner, step string) []model.PolicyRule {
	t.Helper()
	rules, err := s.ListActiveRules(context.Background(), owner, step, 50)
	require.NoError(t, err)
	return rules
}

func TestTrackViolationPromotesAcrossDistinctRuns(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()

	m.TrackViolation(ctx, owner, uuid.New(), "render", "lighting", "Avoid blown-out window highlights")
	m.TrackViolation(ctx, owner, uuid.New(), "render", "lighting", "Avoid blown-out window highlights")
	assert.Empty(t, userRules(t, s, owner, "render"), "two runs must not promote")

	m.TrackViolation(ctx, owner, uuid.New(), "render", "lighting", "Avoid blown-out window highlights")
	rules := userRules(t, s, owner, "render")
	require.Len(t, rules, 1)
	assert.Equal(t, model.ScopeUser, rules[0].Scope)
	assert.Equal(t, "lighting", rules[0].Category)
	assert.Equal(t, 1, rules[0].ViolationCount)
	assert.Equal(t, model.StageNudge, rules[0].Stage)
}

func TestTrackViolationSameRunDoesNotPromote(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	run := uuid.New()

	// One pathological run hammering the same key counts as a single
	// recurrence, no matter how many triggers it produces.
	for i := 0; i < 5; i++ {
		m.TrackViolation(ctx, owner, run, "render", "geometry", "Keep wall thickness plausible")
	}
	assert.Empty(t, userRules(t, s, owner, "render"))

	n, err := s.DistinctRunCount(ctx, owner, "render", "geometry", "Keep wall thickness plausible")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPromoteToUserIdempotent(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()

	first, err := m.PromoteToUser(ctx, owner, "upscale", "style", "No cartoon color grading")
	require.NoError(t, err)
	second, err := m.PromoteToUser(ctx, owner, "upscale", "style", "No cartoon color grading")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ViolationCount)
	require.Len(t, userRules(t, s, owner, "upscale"), 1)
}

func TestRecordViolationReclassifies(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	key := storage.RuleKey{
		Owner: "user-" + uuid.NewString(), Scope: model.ScopeUser, Step: "render",
		Category: "furniture", RuleText: "No floating furniture",
	}

	rule, err := m.RecordViolation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.StageNudge, rule.Stage)
	assert.Equal(t, model.EscalationBody, rule.Escalation)

	rule, err = m.RecordViolation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.StageNudge, rule.Stage)
	assert.Equal(t, model.EscalationCritical, rule.Escalation)

	rule, err = m.RecordViolation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, rule.ViolationCount)
	assert.Equal(t, model.StageCheck, rule.Stage)

	for i := 0; i < 3; i++ {
		rule, err = m.RecordViolation(ctx, key)
		require.NoError(t, err)
	}
	assert.Equal(t, 6, rule.ViolationCount)
	assert.Equal(t, model.StageGuard, rule.Stage)
	assert.Equal(t, model.EscalationSystem, rule.Escalation)

	// The classification is persisted, not just returned.
	stored, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageGuard, stored.Stage)
	assert.Equal(t, model.EscalationSystem, stored.Escalation)
}

func TestRecordViolationPreservesLaw(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	key := storage.RuleKey{
		Owner: "user-" + uuid.NewString(), Scope: model.ScopeUser, Step: "render",
		Category: "branding", RuleText: "Never render competitor logos",
	}

	rule, err := m.RecordViolation(ctx, key)
	require.NoError(t, err)
	rule, err = s.PromoteRuleToLaw(ctx, rule.ID)
	require.NoError(t, err)
	require.Equal(t, model.StageLaw, rule.Stage)

	for i := 0; i < 6; i++ {
		rule, err = m.RecordViolation(ctx, key)
		require.NoError(t, err)
	}
	assert.Equal(t, model.StageLaw, rule.Stage)
	assert.Equal(t, model.EscalationSystem, rule.Escalation)
}

func TestCompletePipelineClearsInstanceRules(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	run := uuid.New()

	m.TrackViolation(ctx, owner, run, "render", "scale", "Respect stated room dimensions")
	m.TrackViolation(ctx, owner, run, "render", "lighting", "Match stated time of day")
	m.CompletePipeline(ctx, run)

	n, err := s.DistinctRunCount(ctx, owner, "render", "scale", "Respect stated room dimensions")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
