package mcp

import (
	"context"
	"encoding/json"

	"github.com/dzianisv/opencode/internal/tool"
)

// ToolAdapter exposes one MCP tool through the registry's Tool
// interface, so the runner dispatches to it like any built-in. The
// wrapped tool already carries its server-prefixed name.
type ToolAdapter struct {
	mcpTool Tool
	client  *Client
}

// NewToolAdapter wraps an MCP tool for registry use.
func NewToolAdapter(mcpTool Tool, client *Client) *ToolAdapter {
	return &ToolAdapter{
		mcpTool: mcpTool,
		client:  client,
	}
}

// ID returns the prefixed tool name, e.g. "clock_now".
func (a *ToolAdapter) ID() string {
	return a.mcpTool.Name
}

// Description returns the server-provided description.
func (a *ToolAdapter) Description() string {
	return a.mcpTool.Description
}

// Parameters returns the server-provided JSON Schema.
func (a *ToolAdapter) Parameters() json.RawMessage {
	return a.mcpTool.InputSchema
}

// Execute routes the call through the MCP client.
func (a *ToolAdapter) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	output, err := a.client.ExecuteTool(ctx, a.mcpTool.Name, input)
	if err != nil {
		return nil, err
	}

	return &tool.Result{
		Title:    a.mcpTool.Name,
		Output:   output,
		Metadata: map[string]any{"type": "mcp"},
	}, nil
}

// RegisterTools registers every tool of every connected server into
// the registry.
func RegisterTools(client *Client, registry *tool.Registry) {
	if client == nil || registry == nil {
		return
	}
	for _, mcpTool := range client.Tools() {
		registry.Register(NewToolAdapter(mcpTool, client))
	}
}
