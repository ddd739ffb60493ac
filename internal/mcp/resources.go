package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	runMessagesPrefix = "kiseki://runs/"
	runMessagesSuffix = "/messages"
	taskMetricsPrefix = "kiseki://tasks/"
	taskMetricsSuffix = "/metrics"
)

func (s *Server) registerResources() {
	// kiseki://runs/{run_id}/messages is the conversation log of a run.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			runMessagesPrefix+"{run_id}"+runMessagesSuffix,
			"Run Messages",
			mcplib.WithTemplateDescription("The persisted conversation of a run, in order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunMessages,
	)

	// kiseki://tasks/{task_id}/metrics aggregates all runs of a task.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			taskMetricsPrefix+"{task_id}"+taskMetricsSuffix,
			"Task Metrics",
			mcplib.WithTemplateDescription("Success rate, tokens and cost across all runs of a task"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTaskMetrics,
	)
}

// templateParam extracts the single path segment between prefix and suffix.
func templateParam(uri, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", false
	}
	v := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix)
	if v == "" || strings.Contains(v, "/") {
		return "", false
	}
	return v, true
}

func (s *Server) handleRunMessages(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, ok := templateParam(uri, runMessagesPrefix, runMessagesSuffix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid run messages URI: %s", uri)
	}
	msgs, err := s.orch.Messages(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run messages: %w", err)
	}
	data, err := json.MarshalIndent(map[string]any{
		"run_id":   runID,
		"messages": msgs,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal messages: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleTaskMetrics(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	taskID, ok := templateParam(uri, taskMetricsPrefix, taskMetricsSuffix)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid task metrics URI: %s", uri)
	}
	m, err := s.recorder.TaskMetrics(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("mcp: task metrics: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal metrics: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
