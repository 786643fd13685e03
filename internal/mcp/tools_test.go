package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/service/decay"
	"github.com/arcspace-ai/archon/internal/service/lifecycle"
	"github.com/arcspace-ai/archon/internal/service/memory"
	"github.com/arcspace-ai/archon/internal/service/retrypolicy"
	"github.com/arcspace-ai/archon/internal/storage/lite"
	"github.com/arcspace-ai/archon/internal/testutil"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()
	store, err := lite.Open(filepath.Join(t.TempDir(), "archon.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	lc := lifecycle.New(store, logger)
	de := decay.New(store, logger)
	mb := memory.NewBuilder(store, logger, 0)
	return New(store, lc, de, mb, retrypolicy.Policy{}, logger, "test")
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func TestHandleCheckRetry(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	state, err := s.store.CreateRetryState(ctx, model.RetryState{
		TaskID:           uuid.New(),
		Owner:            "user-1",
		Step:             "render",
		MaxAttempts:      5,
		AutoRetryEnabled: true,
		Status:           model.TaskQAFail,
	})
	require.NoError(t, err)

	result, err := s.handleCheckRetry(ctx, toolRequest("archon_check_retry", map[string]any{
		"task_id":         state.TaskID.String(),
		"severity":        "medium",
		"confidence":      0.5,
		"suggestion_type": "prompt_delta",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var decision struct {
		Eligible          bool    `json:"eligible"`
		Reason            string  `json:"reason"`
		RetryDelaySeconds float64 `json:"retry_delay_seconds"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &decision))
	assert.True(t, decision.Eligible)
	assert.Equal(t, 2.0, decision.RetryDelaySeconds)
}

func TestHandleCheckRetryCriticalSeverity(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	state, err := s.store.CreateRetryState(ctx, model.RetryState{
		TaskID:           uuid.New(),
		MaxAttempts:      5,
		AutoRetryEnabled: true,
		Status:           model.TaskQAFail,
	})
	require.NoError(t, err)

	result, err := s.handleCheckRetry(ctx, toolRequest("archon_check_retry", map[string]any{
		"task_id":    state.TaskID.String(),
		"severity":   "critical",
		"confidence": 0.9,
	}))
	require.NoError(t, err)
	assert.Contains(t, parseToolText(t, result), "critical severity requires manual review")
}

func TestHandleCheckRetryUnknownTask(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleCheckRetry(context.Background(), toolRequest("archon_check_retry", map[string]any{
		"task_id":    uuid.New().String(),
		"severity":   "low",
		"confidence": 0.9,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no retry state")
}

func TestHandleRecordAttempt(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	state, err := s.store.CreateRetryState(ctx, model.RetryState{
		TaskID:           uuid.New(),
		MaxAttempts:      5,
		AutoRetryEnabled: true,
		Status:           model.TaskRunning,
	})
	require.NoError(t, err)

	result, err := s.handleRecordAttempt(ctx, toolRequest("archon_record_attempt", map[string]any{
		"task_id": state.TaskID.String(),
		"status":  "qa_fail",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var out struct {
		AttemptCount int    `json:"attempt_count"`
		Status       string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	assert.Equal(t, 1, out.AttemptCount)
	assert.Equal(t, "qa_fail", out.Status)

	// A pass is terminal: the next attempt must be rejected.
	_, err = s.handleRecordAttempt(ctx, toolRequest("archon_record_attempt", map[string]any{
		"task_id": state.TaskID.String(),
		"status":  "qa_pass",
	}))
	require.NoError(t, err)

	result, err = s.handleRecordAttempt(ctx, toolRequest("archon_record_attempt", map[string]any{
		"task_id": state.TaskID.String(),
		"status":  "qa_fail",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "terminal")
}

func TestHandleTrackViolationAndMemory(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	// Same violation across three distinct runs promotes the rule.
	for i := 0; i < 3; i++ {
		result, err := s.handleTrackViolation(ctx, toolRequest("archon_track_violation", map[string]any{
			"owner":       "user-1",
			"pipeline_id": uuid.New().String(),
			"step":        "render",
			"category":    "geometry",
			"rule_text":   "Keep ceiling height consistent across rooms",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, parseToolText(t, result))
	}

	rules, err := s.store.ListActiveRules(ctx, "user-1", "render", 10)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.ScopeUser, rules[0].Scope)

	// The promoted rule shows up as a learned preference in the block.
	result, err := s.handleFeedbackMemory(ctx, toolRequest("archon_feedback_memory", map[string]any{
		"owner": "user-1",
		"step":  "render",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Contains(t, parseToolText(t, result), "ceiling height")
}

func TestHandleRecordOverride(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rule, err := s.lifecycle.PromoteToUser(ctx, "user-1", "render", "lighting", "Avoid blown-out window highlights")
	require.NoError(t, err)

	result, err := s.handleRecordOverride(ctx, toolRequest("archon_record_override", map[string]any{
		"rule_id": rule.ID.String(),
		"outcome": "false_positive",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	updated, err := s.store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Health-30, updated.Health)
	assert.Equal(t, 1, updated.ApprovedDespiteTrigger)

	stats, err := s.store.GetCalibrationStats(ctx, "user-1", "render")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].FalseRejectCount)
}

func TestHandleRecordOverrideMutedRule(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rule, err := s.lifecycle.PromoteToUser(ctx, "user-1", "render", "lighting", "Avoid blown-out window highlights")
	require.NoError(t, err)
	require.NoError(t, s.store.SetRuleMuted(ctx, rule.ID, true))

	result, err := s.handleRecordOverride(ctx, toolRequest("archon_record_override", map[string]any{
		"rule_id": rule.ID.String(),
		"outcome": "false_positive",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "override not recorded")

	// Neither the rule nor the calibration row moved.
	updated, err := s.store.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Health, updated.Health)
	assert.Equal(t, 0, updated.ApprovedDespiteTrigger)

	stats, err := s.store.GetCalibrationStats(ctx, "user-1", "render")
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestHandleRecordFeedback(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleRecordFeedback(ctx, toolRequest("archon_record_feedback", map[string]any{
		"owner":  "user-1",
		"step":   "render",
		"signal": "dislike",
		"score":  30,
		"reason": "window reflections look fake",
		"room":   "living_room",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Contains(t, parseToolText(t, result), "rejected")

	events, err := s.store.RecentFeedback(ctx, "user-1", "render", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.FeedbackRejected, events[0].EffectiveDecision())
	require.NotNil(t, events[0].Score)
	assert.Equal(t, 30, *events[0].Score)
}

func TestHandleRecordFeedbackRequiresDecisionOrSignal(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRecordFeedback(context.Background(), toolRequest("archon_record_feedback", map[string]any{
		"owner": "user-1",
		"step":  "render",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
