// Package server exposes the runtime over HTTP.
//
// The API is a thin shell around the session service: session and
// message CRUD, prompting, permission replies, and a single /event
// Server-Sent Events stream that bridges the process-wide event bus to
// clients. Prompt streaming is delivered over that bus stream; the
// message endpoints themselves are plain request/response.
//
// Routes:
//
//   - /session/*  session lifecycle, messages, prompting, permissions
//   - /event      SSE stream of bus events, optionally session-filtered
//   - /project/*  workspaces known to the storage layer
//   - /config/*   effective configuration and available models
//   - /mcp        connected MCP server status
package server
