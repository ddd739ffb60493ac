package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/orchestrator"
)

func (s *Server) registerTools() {
	// kiseki_submit_run starts a durable agent run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiseki_submit_run",
			mcplib.WithDescription(`Start a durable agent run.

The run executes in the background: the model is called, requested tools are
validated and executed, and the loop continues until the model answers without
tool calls, the turn limit is reached, or the run is stopped.

Returns the run_id. Poll kiseki_run_status until status is COMPLETED, FAILED or
CANCELLED.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("task_id",
				mcplib.Description("Task the run belongs to. Letters, digits, '.', '_', ':' or '-'."),
				mcplib.Required(),
			),
			mcplib.WithString("prompt",
				mcplib.Description("The user message that starts the run"),
				mcplib.Required(),
			),
			mcplib.WithString("model",
				mcplib.Description("Model ID, for example claude-sonnet-4-5 or gpt-4o"),
				mcplib.Required(),
			),
			mcplib.WithString("provider",
				mcplib.Description("Provider name. Inferred from the model ID when omitted."),
			),
			mcplib.WithString("system_prompt",
				mcplib.Description("Optional system prompt"),
			),
			mcplib.WithArray("tools",
				mcplib.Description("Tool names to enable. Omit to enable every catalog tool."),
				mcplib.WithStringItems(),
			),
			mcplib.WithBoolean("require_approval",
				mcplib.Description("Pause before every tool call until it is approved"),
			),
			mcplib.WithNumber("max_turns",
				mcplib.Description("Maximum model turns for this run"),
				mcplib.Min(0),
				mcplib.Max(model.MaxTurnsLimit),
			),
		),
		s.handleSubmitRun,
	)

	// kiseki_run_status reports the state of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiseki_run_status",
			mcplib.WithDescription("Get the status, token usage and pending approvals of a run"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleRunStatus,
	)

	// kiseki_stop_run cancels a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiseki_stop_run",
			mcplib.WithDescription("Stop a run. Stopping a finished run is a no-op."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleStopRun,
	)

	// kiseki_run_feed returns the ordered steps, stream metrics and tool calls of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiseki_run_feed",
			mcplib.WithDescription("Get the ordered steps, streaming metrics and tool calls of a run"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleRunFeed,
	)

	// kiseki_approve answers a pending approval.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiseki_approve",
			mcplib.WithDescription("Approve or deny the tool calls a run is waiting on. The ids must match the run's pending_approval exactly."),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithArray("tool_call_ids",
				mcplib.Description("The pending tool call IDs"),
				mcplib.WithStringItems(),
				mcplib.Required(),
			),
			mcplib.WithBoolean("approved", mcplib.Description("true to run the tools, false to deny them"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Optional reason, shown to the model on denial")),
		),
		s.handleApprove,
	)

	// kiseki_check_command previews the shell command policy.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiseki_check_command",
			mcplib.WithDescription("Classify a shell command the way shell tools would, without running it"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("command", mcplib.Description("Command line or program name"), mcplib.Required()),
			mcplib.WithArray("args", mcplib.Description("Arguments"), mcplib.WithStringItems()),
			mcplib.WithString("cwd", mcplib.Description("Working directory")),
		),
		s.handleCheckCommand,
	)
}

// serviceError turns orchestrator errors into tool errors.
func serviceError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return errorResult("run not found")
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, orchestrator.ErrApprovalMismatch):
		return errorResult(err.Error())
	case errors.Is(err, orchestrator.ErrShutdown):
		return errorResult("server is shutting down")
	}
	return errorResult(fmt.Sprintf("%s failed: %v", op, err))
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.RunRequest{
		TaskID:          request.GetString("task_id", ""),
		Prompt:          request.GetString("prompt", ""),
		Model:           request.GetString("model", ""),
		Provider:        request.GetString("provider", ""),
		SystemPrompt:    request.GetString("system_prompt", ""),
		Tools:           request.GetStringSlice("tools", nil),
		RequireApproval: request.GetBool("require_approval", false),
		MaxTurns:        request.GetInt("max_turns", 0),
	}
	handle, err := s.orch.Submit(ctx, req)
	if err != nil {
		return serviceError("submit", err), nil
	}
	s.logger.Info("mcp: run submitted", "run_id", handle.RunID, "task_id", handle.TaskID)
	return jsonResult(handle), nil
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	st, err := s.orch.Status(ctx, runID)
	if err != nil {
		return serviceError("status", err), nil
	}
	return jsonResult(st), nil
}

func (s *Server) handleStopRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	res, err := s.orch.Stop(ctx, runID)
	if err != nil {
		return serviceError("stop", err), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleRunFeed(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	feed, err := s.orch.Feed(ctx, runID)
	if err != nil {
		return serviceError("feed", err), nil
	}
	return jsonResult(feed), nil
}

func (s *Server) handleApprove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	ids := request.GetStringSlice("tool_call_ids", nil)
	if runID == "" || len(ids) == 0 {
		return errorResult("run_id and tool_call_ids are required"), nil
	}
	d, err := s.orch.Approve(ctx, runID, model.ApprovalDecision{
		ToolCallIDs: ids,
		Approved:    request.GetBool("approved", false),
		Reason:      request.GetString("reason", ""),
	})
	if err != nil {
		return serviceError("approve", err), nil
	}
	return jsonResult(d), nil
}

func (s *Server) handleCheckCommand(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	command := request.GetString("command", "")
	if command == "" {
		return errorResult("command is required"), nil
	}
	v := s.commands.Validate(command, request.GetStringSlice("args", nil), request.GetString("cwd", ""))
	return jsonResult(model.CommandCheckResponse{
		Valid:   v.Valid,
		Command: v.Command,
		Level:   string(v.Level),
		Error:   v.Error,
	}), nil
}
