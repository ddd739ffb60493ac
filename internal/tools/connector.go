package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiseki/internal/security"
)

// ConnectorExecutor forwards connector tools to remote MCP servers over
// streamable HTTP. Each call opens a short-lived session.
type ConnectorExecutor struct {
	client  *http.Client
	version string
}

// NewConnectorExecutor creates an executor. A nil client gets a guarded
// client that refuses non-public addresses at dial time.
func NewConnectorExecutor(client *http.Client, version string) *ConnectorExecutor {
	if client == nil {
		client = security.NewGuardedClient(security.GuardOptions{})
	}
	if version == "" {
		version = "dev"
	}
	return &ConnectorExecutor{client: client, version: version}
}

// Execute calls call.Tool.RemoteTool on the tool's server.
func (c *ConnectorExecutor) Execute(ctx context.Context, call Call) (string, error) {
	if err := security.ValidateURL(call.Tool.URL); err != nil {
		return "", err
	}
	var args map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", fmt.Errorf("tools: decode connector arguments: %w", err)
		}
	}

	cli, err := mcpclient.NewStreamableHttpClient(call.Tool.URL, transport.WithHTTPBasicClient(c.client))
	if err != nil {
		return "", fmt.Errorf("tools: connect %s: %w", call.Tool.Name, err)
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Start(ctx); err != nil {
		return "", fmt.Errorf("tools: start %s session: %w", call.Tool.Name, err)
	}
	var initReq mcplib.InitializeRequest
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "kiseki", Version: c.version}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		return "", fmt.Errorf("tools: initialize %s: %w", call.Tool.Name, err)
	}

	var req mcplib.CallToolRequest
	req.Params.Name = call.Tool.RemoteTool
	req.Params.Arguments = args
	res, err := cli.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tools: call %s: %w", call.Tool.Name, err)
	}
	text := resultText(res)
	if res.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return text, errors.New(text)
	}
	return text, nil
}

// resultText concatenates the text parts of a tool result. Non-text parts
// are summarized by type.
func resultText(res *mcplib.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		switch v := content.(type) {
		case mcplib.TextContent:
			parts = append(parts, v.Text)
		case *mcplib.TextContent:
			parts = append(parts, v.Text)
		case mcplib.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		case *mcplib.ImageContent:
			parts = append(parts, "[image "+v.MIMEType+"]")
		default:
			parts = append(parts, fmt.Sprintf("[%T]", content))
		}
	}
	return strings.Join(parts, "\n")
}
