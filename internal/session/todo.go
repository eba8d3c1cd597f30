package session

import (
	"context"
	"errors"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/storage"
	"github.com/dzianisv/opencode/pkg/types"
)

// Todos returns the session's task list. A session without one yields an
// empty list.
func (s *Service) Todos(ctx context.Context, sessionID string) ([]types.TodoInfo, error) {
	var todos []types.TodoInfo
	err := s.storage.Get(ctx, []string{"todo", sessionID}, &todos)
	if errors.Is(err, storage.ErrNotFound) {
		return []types.TodoInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return todos, nil
}

// UpdateTodos replaces the session's task list and broadcasts the change.
func (s *Service) UpdateTodos(ctx context.Context, sessionID string, todos []types.TodoInfo) error {
	if err := s.storage.Put(ctx, []string{"todo", sessionID}, todos); err != nil {
		return err
	}
	event.Publish(event.Event{
		Type: event.TodoUpdated,
		Data: event.TodoUpdatedData{SessionID: sessionID, Todos: todos},
	})
	return nil
}
