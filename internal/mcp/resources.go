package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/arcspace-ai/archon/internal/service/memory"
)

func (s *Server) registerResources() {
	// archon://rules/{owner} — the owner's active policy rules.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"archon://rules/{owner}",
			"Active Rules",
			mcplib.WithTemplateDescription("Active policy rules for an owner, strongest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleActiveRules,
	)

	// archon://memory/{owner}/{step} — the injection block for a step.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"archon://memory/{owner}/{step}",
			"Feedback Memory",
			mcplib.WithTemplateDescription("The bounded feedback-memory block for an owner and pipeline step"),
			mcplib.WithTemplateMIMEType("text/plain"),
		),
		s.handleMemoryBlock,
	)
}

func (s *Server) handleActiveRules(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	owner := strings.TrimPrefix(uri, "archon://rules/")
	if owner == "" || owner == uri {
		return nil, fmt.Errorf("mcp: invalid rules URI: %s", uri)
	}

	rules, err := s.store.ListActiveRules(ctx, owner, "", 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: list rules: %w", err)
	}

	compacted := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		compacted = append(compacted, compactRule(r))
	}
	data, err := json.MarshalIndent(map[string]any{
		"owner": owner,
		"rules": compacted,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal rules: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMemoryBlock(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	rest := strings.TrimPrefix(uri, "archon://memory/")
	parts := strings.SplitN(rest, "/", 2)
	if rest == uri || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("mcp: invalid memory URI: %s", uri)
	}
	owner, step := parts[0], parts[1]

	m, err := s.memory.Build(ctx, owner, step, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: build memory: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     memory.Format(m),
		},
	}, nil
}
