// Package types provides the core data types for the OpenCode server.
package types

// Session represents a conversation session with the LLM.
type Session struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectID"`
	Directory string          `json:"directory"`
	ParentID  *string         `json:"parentID,omitempty"`
	Title     string          `json:"title"`
	Version   string          `json:"version"`
	Time      SessionTime     `json:"time"`
	Summary   *SessionSummary `json:"summary,omitempty"`
	Share     *SessionShare   `json:"share,omitempty"`
	Revert    *SessionRevert  `json:"revert,omitempty"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created    int64  `json:"created"`
	Updated    int64  `json:"updated"`
	Compacting *int64 `json:"compacting,omitempty"`
}

// SessionRevert contains information about session revert state.
type SessionRevert struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
	Snapshot  *string `json:"snapshot,omitempty"`
	Diff      *string `json:"diff,omitempty"`
}

// SessionSummary aggregates the file changes made across a session.
// It is recomputed whenever a turn finishes with outstanding snapshot
// changes.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff describes the changes to a single file.
type FileDiff struct {
	File      string `json:"file"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff,omitempty"`
}

// SessionShare holds the public URL of a shared session.
type SessionShare struct {
	URL string `json:"url"`
}

// TodoInfo is one entry of a session's task list.
type TodoInfo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`   // "pending" | "in_progress" | "completed"
	Priority string `json:"priority"` // "high" | "medium" | "low"
}

// SessionStatusType enumerates what a session is currently doing.
type SessionStatusType string

const (
	SessionIdle  SessionStatusType = "idle"
	SessionBusy  SessionStatusType = "busy"
	SessionRetry SessionStatusType = "retry"
)

// SessionStatus describes the live state of a session. Retry statuses
// carry the attempt counter and the provider message so clients can
// render progress without parsing logs.
type SessionStatus struct {
	Type    SessionStatusType `json:"type"`
	Attempt int               `json:"attempt,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Message string            `json:"message,omitempty"`
	Next    int64             `json:"next,omitempty"` // unix ms when the next attempt fires
}
