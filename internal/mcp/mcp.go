// Package mcp implements the Model Context Protocol server for kiseki.
//
// The MCP server exposes the run operations of the HTTP API as MCP tools and
// resources, so MCP-compatible clients can submit, watch and stop agent runs.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiseki/internal/orchestrator"
	"github.com/ashita-ai/kiseki/internal/security"
	"github.com/ashita-ai/kiseki/internal/service/trace"
)

// Server wraps the MCP server with kiseki's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	orch      *orchestrator.Orchestrator
	recorder  *trace.Recorder
	commands  *security.CommandValidator
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(orch *orchestrator.Orchestrator, recorder *trace.Recorder, commands *security.CommandValidator, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if commands == nil {
		commands = security.NewCommandValidator(logger)
	}
	s := &Server{
		orch:     orch,
		recorder: recorder,
		commands: commands,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiseki",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(`kiseki runs durable agent loops. Submit a run with kiseki_submit_run,
poll it with kiseki_run_status or kiseki_run_feed, and stop it with kiseki_stop_run.
Runs survive server restarts. Use kiseki_check_command to preview how a shell
command would be classified before enabling shell tools.`),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("marshal result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
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
