package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/dzianisv/opencode/internal/logging"
	"github.com/dzianisv/opencode/pkg/types"
)

const defaultConnectTimeout = 5 * time.Second

// Client manages connections to configured MCP servers and exposes
// their tools under server-prefixed names.
type Client struct {
	mu      sync.RWMutex
	servers map[string]*connection
	sdk     *sdkmcp.Client
	log     zerolog.Logger
}

// connection is one configured server and what we learned from it.
type connection struct {
	name      string
	config    *Config
	session   *sdkmcp.ClientSession
	tools     []Tool
	resources []Resource
	status    Status
	errMsg    string
	info      *ServerInfo
}

// NewClient creates a client with no servers configured.
func NewClient() *Client {
	sdk := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "opencode",
		Version: "1.0.0",
	}, nil)

	return &Client{
		servers: make(map[string]*connection),
		sdk:     sdk,
		log:     logging.With().Str("component", "mcp").Logger(),
	}
}

// AddConfigured connects every server declared in the config map.
// Individual failures are recorded on the server's status instead of
// aborting the rest.
func (c *Client) AddConfigured(ctx context.Context, configs map[string]types.MCPConfig) {
	for name, mc := range configs {
		if err := c.AddServer(ctx, name, ConfigFromTypes(mc)); err != nil {
			c.log.Warn().Str("server", name).Err(err).Msg("mcp server unavailable")
		}
	}
}

// AddServer registers a server and connects to it when enabled. A
// connection failure is recorded as StatusFailed and returned; the
// server stays listed so its status is inspectable.
func (c *Client) AddServer(ctx context.Context, name string, config *Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.servers[name]; ok {
		return fmt.Errorf("server already exists: %s", name)
	}

	if !config.Enabled {
		c.servers[name] = &connection{
			name:   name,
			config: config,
			status: StatusDisabled,
		}
		return nil
	}

	conn, err := c.connect(ctx, name, config)
	if err != nil {
		c.servers[name] = &connection{
			name:   name,
			config: config,
			status: StatusFailed,
			errMsg: err.Error(),
		}
		return err
	}

	c.servers[name] = conn
	c.log.Info().
		Str("server", name).
		Str("transport", string(config.Type)).
		Int("tools", len(conn.tools)).
		Msg("mcp server connected")
	return nil
}

// connect establishes the session for one server.
func (c *Client) connect(ctx context.Context, name string, config *Config) (*connection, error) {
	timeout := time.Duration(config.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	conn := &connection{
		name:   name,
		config: config,
		status: StatusConnecting,
	}

	switch config.Type {
	case TransportTypeRemote:
		httpClient := httpClientWithHeaders(nil, config.Headers)

		// Streamable HTTP is the current protocol; SSE is the
		// fallback for older servers.
		candidates := []struct {
			name      string
			transport sdkmcp.Transport
		}{
			{"streamable", &sdkmcp.StreamableClientTransport{Endpoint: config.URL, HTTPClient: httpClient}},
			{"sse", &sdkmcp.SSEClientTransport{Endpoint: config.URL, HTTPClient: httpClient}},
		}

		var lastErr error
		for _, candidate := range candidates {
			if err := c.handshake(ctx, conn, candidate.transport, timeout); err != nil {
				lastErr = fmt.Errorf("%s transport: %w", candidate.name, err)
				continue
			}
			return conn, nil
		}
		return nil, lastErr

	case TransportTypeLocal, TransportTypeStdio:
		if len(config.Command) == 0 {
			return nil, fmt.Errorf("empty command")
		}

		cmd := exec.Command(config.Command[0], config.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range config.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}

		if err := c.handshake(ctx, conn, &sdkmcp.CommandTransport{Command: cmd}, timeout); err != nil {
			return nil, err
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("unknown transport type: %s", config.Type)
	}
}

// handshake connects over one transport and loads the server's tool
// list. On failure the session is closed and the connection left
// untouched.
func (c *Client) handshake(ctx context.Context, conn *connection, transport sdkmcp.Transport, timeout time.Duration) error {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := c.sdk.Connect(connectCtx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var info *ServerInfo
	if init := session.InitializeResult(); init != nil {
		info = &ServerInfo{
			Name:    init.ServerInfo.Name,
			Version: init.ServerInfo.Version,
		}
	}

	listCtx, listCancel := context.WithTimeout(ctx, timeout)
	defer listCancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		session.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	tools := make([]Tool, len(result.Tools))
	for i, t := range result.Tools {
		tools[i] = FromSDKTool(t)
	}

	conn.session = session
	conn.tools = tools
	conn.info = info
	conn.status = StatusConnected
	return nil
}

func httpClientWithHeaders(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = &http.Client{}
	}

	// Copy to avoid mutating a caller-provided client. Timeout stays
	// zero; requests carry their own contexts.
	client := *base
	client.Timeout = 0

	if len(headers) == 0 {
		return &client
	}

	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	client.Transport = &headerRoundTripper{
		headers: headers,
		next:    transport,
	}

	return &client
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}

// Tools returns every tool of every connected server, each under its
// prefixed name.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []Tool
	for name, conn := range c.servers {
		if conn.status != StatusConnected {
			continue
		}
		for _, t := range conn.tools {
			all = append(all, Tool{
				Name:        sanitizeToolName(name) + "_" + sanitizeToolName(t.Name),
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return all
}

// findTool resolves a prefixed name back to its server connection and
// the server-side tool name.
func (c *Client) findTool(prefixed string) (*connection, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, conn := range c.servers {
		if conn.status != StatusConnected {
			continue
		}
		prefix := sanitizeToolName(name) + "_"
		if !strings.HasPrefix(prefixed, prefix) {
			continue
		}
		want := strings.TrimPrefix(prefixed, prefix)
		for _, t := range conn.tools {
			if sanitizeToolName(t.Name) == want {
				return conn, t.Name, true
			}
		}
		return conn, want, true
	}
	return nil, "", false
}

// ExecuteTool calls a tool by its prefixed name and returns the
// concatenated text content of the result.
func (c *Client) ExecuteTool(ctx context.Context, toolName string, args json.RawMessage) (string, error) {
	conn, original, ok := c.findTool(toolName)
	if !ok {
		return "", fmt.Errorf("no server found for tool: %s", toolName)
	}
	if conn.session == nil {
		return "", fmt.Errorf("server not connected: %s", conn.name)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	c.log.Debug().Str("server", conn.name).Str("tool", original).Msg("mcp tool call")

	result, err := conn.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      original,
		Arguments: argsMap,
	})
	if err != nil {
		return "", err
	}

	if result.IsError {
		for _, content := range result.Content {
			if text, ok := content.(*sdkmcp.TextContent); ok {
				return "", fmt.Errorf("tool error: %s", text.Text)
			}
		}
		return "", fmt.Errorf("tool execution failed")
	}

	var output strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*sdkmcp.TextContent); ok {
			output.WriteString(text.Text)
		}
	}
	return output.String(), nil
}

// ListResources lists resources across all connected servers, with
// URIs rewritten to mcp://<server>/<uri> so reads can route back.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []Resource
	for name, conn := range c.servers {
		if conn.status != StatusConnected || conn.session == nil {
			continue
		}

		result, err := conn.session.ListResources(ctx, nil)
		if err != nil {
			c.log.Debug().Str("server", name).Err(err).Msg("list resources failed")
			continue
		}

		for _, r := range result.Resources {
			res := FromSDKResource(r)
			res.URI = fmt.Sprintf("mcp://%s/%s", name, res.URI)
			all = append(all, res)
		}
	}
	return all, nil
}

// ReadResource reads one resource addressed as mcp://<server>/<uri>.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResponse, error) {
	if !strings.HasPrefix(uri, "mcp://") {
		return nil, fmt.Errorf("invalid MCP URI: %s", uri)
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "mcp://"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid MCP URI format: %s", uri)
	}

	c.mu.RLock()
	conn, ok := c.servers[parts[0]]
	c.mu.RUnlock()

	if !ok || conn.status != StatusConnected || conn.session == nil {
		return nil, fmt.Errorf("server not connected: %s", parts[0])
	}

	result, err := conn.session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: parts[1]})
	if err != nil {
		return nil, err
	}

	resp := &ReadResourceResponse{
		Contents: make([]ResourceContent, len(result.Contents)),
	}
	for i, rc := range result.Contents {
		content := ResourceContent{
			URI:      rc.URI,
			MimeType: rc.MIMEType,
			Text:     rc.Text,
		}
		if len(rc.Blob) > 0 {
			content.Blob = string(rc.Blob)
		}
		resp.Contents[i] = content
	}
	return resp, nil
}

// Status reports the state of every configured server.
func (c *Client) Status() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var statuses []ServerStatus
	for name, conn := range c.servers {
		statuses = append(statuses, conn.serverStatus(name))
	}
	return statuses
}

// GetServer reports the state of one configured server.
func (c *Client) GetServer(name string) (*ServerStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn, ok := c.servers[name]
	if !ok {
		return nil, fmt.Errorf("server not found: %s", name)
	}

	status := conn.serverStatus(name)
	return &status, nil
}

func (conn *connection) serverStatus(name string) ServerStatus {
	s := ServerStatus{
		Name:      name,
		Status:    conn.status,
		ToolCount: len(conn.tools),
	}
	if conn.errMsg != "" {
		msg := conn.errMsg
		s.Error = &msg
	}
	return s
}

// RemoveServer disconnects and forgets a server.
func (c *Client) RemoveServer(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.servers[name]
	if !ok {
		return fmt.Errorf("server not found: %s", name)
	}

	if conn.session != nil {
		conn.session.Close()
	}
	delete(c.servers, name)
	return nil
}

// Close disconnects all servers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, conn := range c.servers {
		if conn.session != nil {
			conn.session.Close()
		}
	}
	c.servers = make(map[string]*connection)
	return nil
}

// ServerCount returns the number of configured servers.
func (c *Client) ServerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}

// ConnectedCount returns the number of connected servers.
func (c *Client) ConnectedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, conn := range c.servers {
		if conn.status == StatusConnected {
			count++
		}
	}
	return count
}

// sanitizeToolName replaces non-alphanumeric characters with
// underscores so prefixed names survive model-side identifier rules.
func sanitizeToolName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}
