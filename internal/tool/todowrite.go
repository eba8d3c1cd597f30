package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/pkg/types"
)

const todowriteDescription = `Use this tool to create and manage a structured task list for your current coding session. This helps you track progress, organize complex tasks, and demonstrate thoroughness.

## When to Use This Tool

1. Complex multi-step tasks - When a task requires 3 or more distinct steps
2. Non-trivial tasks that require careful planning or multiple operations
3. User explicitly requests a todo list
4. User provides multiple tasks (numbered or comma-separated)
5. After receiving new instructions - capture requirements as todos
6. When you start working on a task - mark it in_progress BEFORE beginning
7. After completing a task - mark it completed immediately

## When NOT to Use This Tool

Skip it when there is only a single straightforward task, the task is
trivial, or the task is purely conversational.

## Task States

- pending: not yet started
- in_progress: currently working on (limit to ONE task at a time)
- completed: finished successfully

Each write replaces the whole list; remove tasks that are no longer
relevant instead of leaving them around.`

// TodoWriteTool replaces the session's task list.
type TodoWriteTool struct {
	storage *storage.Storage
}

// TodoWriteInput is the input for the todowrite tool.
type TodoWriteInput struct {
	Todos []types.TodoInfo `json:"todos"`
}

// NewTodoWriteTool creates a new todowrite tool.
func NewTodoWriteTool(store *storage.Storage) *TodoWriteTool {
	return &TodoWriteTool{storage: store}
}

func (t *TodoWriteTool) ID() string          { return "todowrite" }
func (t *TodoWriteTool) Description() string { return todowriteDescription }

func (t *TodoWriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"todos": {
				"type": "array",
				"description": "The updated todo list",
				"items": {
					"type": "object",
					"properties": {
						"id": {
							"type": "string",
							"description": "Unique identifier for the todo item"
						},
						"content": {
							"type": "string",
							"description": "Brief description of the task"
						},
						"status": {
							"type": "string",
							"description": "Current status of the task: pending, in_progress, completed"
						},
						"priority": {
							"type": "string",
							"description": "Priority level of the task: high, medium, low"
						}
					},
					"required": ["id", "content", "status", "priority"]
				}
			}
		},
		"required": ["todos"]
	}`)
}

func (t *TodoWriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params TodoWriteInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if err := t.storage.Put(ctx, []string{"todo", toolCtx.SessionID}, params.Todos); err != nil {
		return nil, fmt.Errorf("failed to update todos: %w", err)
	}

	event.Publish(event.Event{
		Type: event.TodoUpdated,
		Data: event.TodoUpdatedData{
			SessionID: toolCtx.SessionID,
			Todos:     params.Todos,
		},
	})

	output, _ := json.MarshalIndent(params.Todos, "", "  ")
	return &Result{
		Title:    fmt.Sprintf("%d todos", openTodoCount(params.Todos)),
		Output:   string(output),
		Metadata: map[string]any{"todos": params.Todos},
	}, nil
}

func openTodoCount(todos []types.TodoInfo) int {
	open := 0
	for _, todo := range todos {
		if todo.Status != "completed" {
			open++
		}
	}
	return open
}
