// Package mcp implements a Model Context Protocol (MCP) client built on
// the official MCP Go SDK.
//
// MCP is an open standard for connecting host applications to external
// tool and data servers. This package connects to configured servers,
// discovers their tools and resources, and exposes the tools through the
// runtime's tool registry so the agent loop can call them like built-ins.
//
// # Transport Types
//
// Three transport mechanisms are supported:
//
//	TransportTypeStdio  - subprocess speaking MCP over stdin/stdout
//	TransportTypeLocal  - alias for stdio, kept for config compatibility
//	TransportTypeRemote - HTTP server, streamable with SSE fallback
//
// Remote connections try the streamable HTTP transport first and fall
// back to SSE when the handshake fails, so both modern and legacy HTTP
// servers work with the same config.
//
// # Basic Usage
//
//	client := mcp.NewClient()
//	defer client.Close()
//
//	err := client.AddServer(ctx, "my-server", &mcp.Config{
//		Enabled: true,
//		Type:    mcp.TransportTypeStdio,
//		Command: []string{"python", "-m", "my_mcp_server"},
//		Timeout: 5000, // milliseconds
//	})
//
// Servers declared in the config file are added in one call; connection
// failures are logged and recorded per server rather than aborting
// startup:
//
//	client.AddConfigured(ctx, cfg.MCPServers)
//
// # Tool Integration
//
// Tool names are prefixed with the sanitized server name, so a "search"
// tool on "my-server" becomes "my_server_search". RegisterTools wraps
// every discovered tool in a ToolAdapter and registers it:
//
//	mcp.RegisterTools(client, registry)
//
//	result, err := client.ExecuteTool(ctx, "my_server_search",
//		json.RawMessage(`{"query": "example"}`))
//
// # Status Monitoring
//
// Each server carries a connection status (connected, disabled, failed)
// and the failure message when the handshake did not succeed:
//
//	for _, srv := range client.Status() {
//		if srv.Status == mcp.StatusFailed {
//			fmt.Printf("%s failed: %s\n", srv.Name, *srv.Error)
//		}
//	}
//
// # Resource Access
//
// Server resources are namespaced under mcp://<server>/<uri> and read
// through the owning connection:
//
//	resources, err := client.ListResources(ctx)
//	response, err := client.ReadResource(ctx, "mcp://my-server/file:///data.txt")
//
// All client operations are safe for concurrent use.
package mcp
