package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/pkg/types"
)

const todoreadDescription = `Use this tool to read your todo list`

// TodoReadTool reads the session's task list.
type TodoReadTool struct {
	storage *storage.Storage
}

// NewTodoReadTool creates a new todoread tool.
func NewTodoReadTool(store *storage.Storage) *TodoReadTool {
	return &TodoReadTool{storage: store}
}

func (t *TodoReadTool) ID() string          { return "todoread" }
func (t *TodoReadTool) Description() string { return todoreadDescription }

func (t *TodoReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {},
		"required": []
	}`)
}

func (t *TodoReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var todos []types.TodoInfo
	err := t.storage.Get(ctx, []string{"todo", toolCtx.SessionID}, &todos)
	if errors.Is(err, storage.ErrNotFound) {
		todos = []types.TodoInfo{}
	} else if err != nil {
		return nil, fmt.Errorf("failed to get todos: %w", err)
	}

	output, _ := json.MarshalIndent(todos, "", "  ")
	return &Result{
		Title:    fmt.Sprintf("%d todos", openTodoCount(todos)),
		Output:   string(output),
		Metadata: map[string]any{"todos": todos},
	}, nil
}
