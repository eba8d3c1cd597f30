package event

import "github.com/dzianisv/opencode/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	Info *types.Session `json:"info"`
}

// SessionStatusData is the data for session.status events. Published
// whenever a session moves between idle, busy and retry.
type SessionStatusData struct {
	SessionID string              `json:"sessionID"`
	Status    types.SessionStatus `json:"status"`
}

// SessionCompactedData is the data for session.compacted events.
// MessageID names the summary message that replaced the older history.
type SessionCompactedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

// MessageCreatedData is the data for message.created events.
type MessageCreatedData struct {
	Info *types.Message `json:"info"`
}

// MessageUpdatedData is the data for message.updated events.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// MessageRemovedData is the data for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessagePartUpdatedData is the data for message.part.updated events.
// Delta carries just the appended text when the update is a streaming
// flush, so clients can append instead of re-rendering the part.
type MessagePartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

// MessagePartRemovedData is the data for message.part.removed events.
type MessagePartRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

// FileEditedData is the data for file.edited events.
type FileEditedData struct {
	File string `json:"file"`
}

// TodoUpdatedData is the data for todo.updated events.
type TodoUpdatedData struct {
	SessionID string           `json:"sessionID"`
	Todos     []types.TodoInfo `json:"todos"`
}

// BranchUpdatedData is the data for vcs.branch.updated events.
type BranchUpdatedData struct {
	Directory string `json:"directory"`
	Branch    string `json:"branch"`
}

// PermissionUpdatedData is the data for permission.updated events.
type PermissionUpdatedData struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionID"`
	PermissionType string         `json:"permissionType"` // "bash" | "edit" | "webfetch" | "doom_loop"
	Pattern        []string       `json:"pattern"`
	Title          string         `json:"title"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"` // "once" | "always" | "reject"
}
