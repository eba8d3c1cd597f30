package mcp

import (
	"encoding/json"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dzianisv/opencode/pkg/types"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	TransportTypeRemote TransportType = "remote"
	TransportTypeLocal  TransportType = "local"
	TransportTypeStdio  TransportType = "stdio"
)

// Config is the resolved connection configuration for one server.
type Config struct {
	Enabled     bool              `json:"enabled"`
	Type        TransportType     `json:"type"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Timeout     int               `json:"timeout,omitempty"` // milliseconds
}

// ConfigFromTypes resolves a raw config entry. Servers are enabled
// unless the entry says otherwise; a missing type is inferred from
// whether a URL or a command is given.
func ConfigFromTypes(mc types.MCPConfig) *Config {
	enabled := true
	if mc.Enabled != nil {
		enabled = *mc.Enabled
	}

	transport := TransportType(mc.Type)
	if transport == "" {
		if mc.URL != "" {
			transport = TransportTypeRemote
		} else {
			transport = TransportTypeLocal
		}
	}

	return &Config{
		Enabled:     enabled,
		Type:        transport,
		URL:         mc.URL,
		Headers:     mc.Headers,
		Command:     mc.Command,
		Environment: mc.Environment,
		Timeout:     mc.Timeout,
	}
}

// Tool is a server tool as advertised to the registry. InputSchema is
// plain JSON Schema, ready for the provider layer.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// FromSDKTool flattens an SDK tool. Schemas that fail to re-marshal
// fall back to an unconstrained object so the tool stays callable.
func FromSDKTool(t *sdkmcp.Tool) Tool {
	schema := json.RawMessage(`{"type":"object"}`)
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			schema = raw
		}
	}
	return Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// Resource is a server resource, addressed by URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func FromSDKResource(r *sdkmcp.Resource) Resource {
	return Resource{
		URI:         r.URI,
		Name:        r.Name,
		Description: r.Description,
		MimeType:    r.MIMEType,
	}
}

// ReadResourceResponse carries the contents of one resource read.
type ReadResourceResponse struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent is one content block of a read resource. Binary
// blobs are base64 strings per the protocol.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Status is a server's connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisabled     Status = "disabled"
	StatusFailed       Status = "failed"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
)

// ServerStatus is the externally visible state of one configured server.
type ServerStatus struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	ToolCount int     `json:"toolCount"`
	Error     *string `json:"error,omitempty"`
}

// ServerInfo identifies a connected server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
