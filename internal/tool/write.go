package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dzianisv/opencode/internal/event"
)

const writeDescription = `Writes content to a file on the local filesystem.

Usage:
- The filePath parameter should be an absolute path
- This tool will overwrite existing files
- Parent directories will be created if they don't exist
- ALWAYS prefer editing existing files over creating new ones`

// WriteTool creates or overwrites files.
type WriteTool struct {
	workDir string
}

// WriteInput is the input for the write tool.
type WriteInput struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// NewWriteTool creates a new write tool.
func NewWriteTool(workDir string) *WriteTool {
	return &WriteTool{workDir: workDir}
}

func (t *WriteTool) ID() string          { return "Write" }
func (t *WriteTool) Description() string { return writeDescription }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"filePath": {
				"type": "string",
				"description": "The absolute path to the file to write"
			},
			"content": {
				"type": "string",
				"description": "The content to write to the file"
			}
		},
		"required": ["filePath", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	path := absPath(params.FilePath, toolCtx, t.workDir)

	// Previous content feeds the diff metadata; a missing file is a
	// plain create.
	before := ""
	if old, err := os.ReadFile(path); err == nil {
		before = string(old)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	publishFileEdited(toolCtx, path)

	diff, additions, deletions := fileDiff(path, before, params.Content, t.workDir)

	return &Result{
		Title: fmt.Sprintf("Wrote %s", filepath.Base(path)),
		Output: fmt.Sprintf("Successfully wrote %d bytes to %s",
			len(params.Content), path),
		Metadata: map[string]any{
			"file":      path,
			"bytes":     len(params.Content),
			"diff":      diff,
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}

// publishFileEdited announces a file change when the call belongs to a
// session. Direct invocations outside a turn stay silent.
func publishFileEdited(toolCtx *Context, path string) {
	if toolCtx == nil || toolCtx.SessionID == "" {
		return
	}
	event.Publish(event.Event{
		Type: event.FileEdited,
		Data: event.FileEditedData{File: path},
	})
}
