// Package tool provides the built-in tools the agent can call during
// a turn, plus the registry the runner resolves them from.
package tool

import (
	"context"
	"encoding/json"
)

// Tool is one callable tool. Parameters returns the JSON Schema the
// provider advertises to the model; Execute runs the call.
type Tool interface {
	// ID returns the tool identifier the model calls it by.
	ID() string

	// Description returns the tool description shown to the model.
	Description() string

	// Parameters returns the JSON Schema for the tool's input.
	Parameters() json.RawMessage

	// Execute runs the tool with the given input.
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
}

// Context carries per-call execution context into a tool.
type Context struct {
	SessionID string
	MessageID string
	CallID    string
	Agent     string
	WorkDir   string
	AbortCh   <-chan struct{}
	Extra     map[string]any

	// OnMetadata streams progress updates back to the caller while the
	// tool is still running.
	OnMetadata func(title string, meta map[string]any)
}

// SetMetadata reports a progress update for the running call.
func (c *Context) SetMetadata(title string, meta map[string]any) {
	if c.OnMetadata != nil {
		c.OnMetadata(title, meta)
	}
}

// IsAborted reports whether the call has been aborted.
func (c *Context) IsAborted() bool {
	select {
	case <-c.AbortCh:
		return true
	default:
		return false
	}
}

// Result is the output of a tool execution. A non-nil Error marks the
// call failed without failing the turn; the message is surfaced to the
// model as the tool result.
type Result struct {
	Title       string         `json:"title"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Error       error          `json:"-"`
}

// Attachment is a non-text artifact produced by a tool, such as an
// image returned by read.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"` // data: URL or file path
}
