package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arcspace-ai/archon/internal/model"
	"github.com/arcspace-ai/archon/internal/service/memory"
	"github.com/arcspace-ai/archon/internal/storage"
)

func (s *Server) registerTools() {
	// archon_check_retry — retry eligibility decision for a failed attempt.
	s.mcpServer.AddTool(
		mcplib.NewTool("archon_check_retry",
			mcplib.WithDescription("Decide whether a failed generation task should be retried, and after what delay"),
			mcplib.WithString("task_id", mcplib.Description("Generation task UUID"), mcplib.Required()),
			mcplib.WithString("severity", mcplib.Description("QA failure severity: low, medium, high, critical"), mcplib.Required()),
			mcplib.WithNumber("confidence", mcplib.Description("QA verdict confidence 0.0-1.0"), mcplib.Required()),
			mcplib.WithString("suggestion_type", mcplib.Description("QA retry suggestion: prompt_delta, parameter_change, regenerate, manual_review")),
			mcplib.WithString("suggestion_instruction", mcplib.Description("Concrete instruction for the next attempt")),
		),
		s.handleCheckRetry,
	)

	// archon_record_attempt — record the outcome of one attempt.
	s.mcpServer.AddTool(
		mcplib.NewTool("archon_record_attempt",
			mcplib.WithDescription("Record the outcome of a generation attempt against the task's retry budget"),
			mcplib.WithString("task_id", mcplib.Description("Generation task UUID"), mcplib.Required()),
			mcplib.WithString("status", mcplib.Description("Resulting task status: qa_pass, qa_fail, blocked_for_human"), mcplib.Required()),
		),
		s.handleRecordAttempt,
	)

	// archon_track_violation — report a rule violation seen during a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("archon_track_violation",
			mcplib.WithDescription("Report a QA rule violation observed during a pipeline run; recurring violations are promoted to durable user rules"),
			mcplib.WithString("owner", mcplib.Description("Owning user identifier"), mcplib.Required()),
			mcplib.WithString("pipeline_id", mcplib.Description("Pipeline run UUID"), mcplib.Required()),
			mcplib.WithString("step", mcplib.Description("Pipeline step the violation occurred in")),
			mcplib.WithString("category", mcplib.Description("Violation category"), mcplib.Required()),
			mcplib.WithString("rule_text", mcplib.Description("Natural-language statement of the violated constraint"), mcplib.Required()),
		),
		s.handleTrackViolation,
	)

	// archon_record_override — human overrode or confirmed a rule trigger.
	s.mcpServer.AddTool(
		mcplib.NewTool("archon_record_override",
			mcplib.WithDescription("Record a human outcome for a rule trigger: false_positive (human approved despite the rule) or confirmed_correct (human rejected for the same reason)"),
			mcplib.WithString("rule_id", mcplib.Description("Policy rule UUID"), mcplib.Required()),
			mcplib.WithString("outcome", mcplib.Description("false_positive or confirmed_correct"), mcplib.Required()),
		),
		s.handleRecordOverride,
	)

	// archon_record_feedback — append a human feedback event.
	s.mcpServer.AddTool(
		mcplib.NewTool("archon_record_feedback",
			mcplib.WithDescription("Append a human feedback event (approve/reject decision or like/dislike signal) for an owner and step"),
			mcplib.WithString("owner", mcplib.Description("Owning user identifier"), mcplib.Required()),
			mcplib.WithString("step", mcplib.Description("Pipeline step the feedback applies to"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("approved or rejected")),
			mcplib.WithString("signal", mcplib.Description("like or dislike, when no explicit decision was given")),
			mcplib.WithNumber("score", mcplib.Description("User-assigned quality score 0-100")),
			mcplib.WithString("reason", mcplib.Description("Free-text reason for the decision")),
			mcplib.WithString("room", mcplib.Description("Room shown in the render")),
			mcplib.WithString("camera", mcplib.Description("Camera angle of the render")),
			mcplib.WithString("space_type", mcplib.Description("Space type of the render")),
		),
		s.handleRecordFeedback,
	)

	// archon_feedback_memory — build the injection block for the next prompt.
	s.mcpServer.AddTool(
		mcplib.NewTool("archon_feedback_memory",
			mcplib.WithDescription("Build the bounded feedback-memory block (calibration hint, learned preferences, few-shot examples) for an owner and step"),
			mcplib.WithString("owner", mcplib.Description("Owning user identifier"), mcplib.Required()),
			mcplib.WithString("step", mcplib.Description("Pipeline step to build memory for"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Recent feedback events to consider")),
		),
		s.handleFeedbackMemory,
	)
}

func (s *Server) handleCheckRetry(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return errorResult("task_id must be a valid UUID"), nil
	}

	state, err := s.store.GetRetryState(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("no retry state for task %s", taskID)), nil
		}
		return errorResult(fmt.Sprintf("load retry state: %v", err)), nil
	}

	verdict := model.QAVerdict{
		Status:          model.VerdictFail,
		Severity:        model.Severity(request.GetString("severity", "")),
		ConfidenceScore: request.GetFloat("confidence", 0),
	}
	if st := request.GetString("suggestion_type", ""); st != "" {
		verdict.RetrySuggestion = &model.RetrySuggestion{
			Type:        model.RetrySuggestionType(st),
			Instruction: request.GetString("suggestion_instruction", ""),
		}
	}

	decision := s.retry.Evaluate(state, verdict)
	resultData, _ := json.Marshal(map[string]any{
		"eligible":            decision.Eligible,
		"reason":              decision.Reason,
		"retry_delay_seconds": decision.Delay.Seconds(),
		"attempt_count":       state.AttemptCount,
		"max_attempts":        s.retry.MaxAttempts(state),
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleRecordAttempt(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID, err := uuid.Parse(request.GetString("task_id", ""))
	if err != nil {
		return errorResult("task_id must be a valid UUID"), nil
	}
	status := model.TaskStatus(request.GetString("status", ""))
	switch status {
	case model.TaskQAPass, model.TaskQAFail, model.TaskBlockedForHuman:
	default:
		return errorResult("status must be qa_pass, qa_fail, or blocked_for_human"), nil
	}

	state, err := s.store.RecordAttempt(ctx, taskID, status, nil)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return errorResult(fmt.Sprintf("no retry state for task %s", taskID)), nil
		case errors.Is(err, storage.ErrTerminalState):
			return errorResult("task is already in a terminal state"), nil
		default:
			return errorResult(fmt.Sprintf("record attempt: %v", err)), nil
		}
	}

	resultData, _ := json.Marshal(compactRetryState(state))
	return textResult(string(resultData)), nil
}

func (s *Server) handleTrackViolation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	owner := request.GetString("owner", "")
	category := request.GetString("category", "")
	ruleText := request.GetString("rule_text", "")
	if owner == "" || category == "" || ruleText == "" {
		return errorResult("owner, category, and rule_text are required"), nil
	}
	pipelineID, err := uuid.Parse(request.GetString("pipeline_id", ""))
	if err != nil {
		return errorResult("pipeline_id must be a valid UUID"), nil
	}
	step := request.GetString("step", "")

	s.lifecycle.TrackViolation(ctx, owner, pipelineID, step, category, ruleText)

	resultData, _ := json.Marshal(map[string]any{"status": "recorded"})
	return textResult(string(resultData)), nil
}

func (s *Server) handleRecordOverride(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ruleID, err := uuid.Parse(request.GetString("rule_id", ""))
	if err != nil {
		return errorResult("rule_id must be a valid UUID"), nil
	}

	outcome := request.GetString("outcome", "")
	var rule model.PolicyRule
	switch outcome {
	case "false_positive":
		rule, err = s.decay.RecordFalsePositive(ctx, ruleID)
	case "confirmed_correct":
		rule, err = s.decay.RecordConfirmedCorrect(ctx, ruleID)
	default:
		return errorResult("outcome must be false_positive or confirmed_correct"), nil
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("no rule %s", ruleID)), nil
		}
		return errorResult(fmt.Sprintf("record override: %v", err)), nil
	}
	if rule.ID == uuid.Nil {
		// Muted, locked, or disabled: the decay engine declined the
		// write, so calibration must not move either.
		return errorResult(fmt.Sprintf("rule %s is muted, locked, or disabled; override not recorded", ruleID)), nil
	}

	kind := storage.CalibrationFalseReject
	if outcome == "confirmed_correct" {
		kind = storage.CalibrationConfirmedCorrect
	}
	if err := s.store.IncrementCalibration(ctx, rule.Owner, rule.StepOrEmpty(), rule.Category, kind); err != nil {
		s.logger.Warn("mcp: calibration increment failed (non-fatal)", "error", err, "rule_id", ruleID)
	}

	resultData, _ := json.Marshal(compactRule(rule))
	return textResult(string(resultData)), nil
}

func (s *Server) handleRecordFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	owner := request.GetString("owner", "")
	step := request.GetString("step", "")
	if owner == "" || step == "" {
		return errorResult("owner and step are required"), nil
	}

	event := model.FeedbackEvent{
		Owner:      owner,
		Step:       step,
		ReasonText: request.GetString("reason", ""),
		Context: model.FeedbackContext{
			Room:      request.GetString("room", ""),
			Camera:    request.GetString("camera", ""),
			SpaceType: request.GetString("space_type", ""),
		},
	}

	switch decision := model.FeedbackDecision(request.GetString("decision", "")); decision {
	case model.FeedbackApproved, model.FeedbackRejected:
		event.Decision = decision
	case "":
		signal := model.FeedbackSignal(request.GetString("signal", ""))
		if signal != model.SignalLike && signal != model.SignalDislike {
			return errorResult("either decision (approved/rejected) or signal (like/dislike) is required"), nil
		}
		event.Signal = &signal
		event.Decision = signal.Decision()
	default:
		return errorResult("decision must be approved or rejected"), nil
	}

	if score := request.GetInt("score", -1); score >= 0 {
		if score > 100 {
			return errorResult("score must be between 0 and 100"), nil
		}
		event.Score = &score
	}

	stored, err := s.store.InsertFeedback(ctx, event)
	if err != nil {
		return errorResult(fmt.Sprintf("insert feedback: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"id":       stored.ID,
		"decision": stored.Decision,
		"status":   "recorded",
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleFeedbackMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	owner := request.GetString("owner", "")
	step := request.GetString("step", "")
	if owner == "" || step == "" {
		return errorResult("owner and step are required"), nil
	}
	limit := request.GetInt("limit", 0)

	m, err := s.memory.Build(ctx, owner, step, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("build memory: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"block":   memory.Format(m),
		"summary": memory.Summarize(m),
	})
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
