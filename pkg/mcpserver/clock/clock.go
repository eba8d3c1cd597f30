// Package clock provides an MCP server with time tools.
package clock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with clock tools.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"clock",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	nowTool := mcp.NewTool("now",
		mcp.WithDescription("Returns the current time"),
		mcp.WithString("format",
			mcp.Description("Output format: rfc3339 (default), unix, or a Go layout string"),
		),
		mcp.WithString("tz",
			mcp.Description("IANA timezone name, defaults to UTC"),
		),
	)
	s.AddTool(nowTool, nowHandler)

	elapsedTool := mcp.NewTool("elapsed",
		mcp.WithDescription("Calculates the elapsed duration between two RFC3339 timestamps"),
		mcp.WithString("start",
			mcp.Required(),
			mcp.Description("Start timestamp in RFC3339 format"),
		),
		mcp.WithString("end",
			mcp.Required(),
			mcp.Description("End timestamp in RFC3339 format"),
		),
	)
	s.AddTool(elapsedTool, elapsedHandler)

	return s
}

// nowHandler handles the now tool call.
func nowHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	loc := time.UTC
	if tz, ok := args["tz"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unknown timezone: %v", err)), nil
		}
		loc = parsed
	}

	format, _ := args["format"].(string)
	return mcp.NewToolResultText(formatTime(time.Now().In(loc), format)), nil
}

// elapsedHandler handles the elapsed tool call.
func elapsedHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	start, ok := args["start"].(string)
	if !ok || start == "" {
		return mcp.NewToolResultError("start argument is required"), nil
	}
	end, ok := args["end"].(string)
	if !ok || end == "" {
		return mcp.NewToolResultError("end argument is required"), nil
	}

	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid start: %v", err)), nil
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid end: %v", err)), nil
	}

	return mcp.NewToolResultText(to.Sub(from).String()), nil
}

// formatTime renders a time in one of the supported output formats.
func formatTime(t time.Time, format string) string {
	switch format {
	case "", "rfc3339":
		return t.Format(time.RFC3339)
	case "unix":
		return strconv.FormatInt(t.Unix(), 10)
	default:
		return t.Format(format)
	}
}
