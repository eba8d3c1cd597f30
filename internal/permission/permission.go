// Package permission gates tool execution behind configurable rules,
// asking the user through the event bus when a rule says so.
package permission

import "errors"

// PermissionAction is the configured outcome of a permission check.
type PermissionAction string

const (
	ActionAllow PermissionAction = "allow"
	ActionDeny  PermissionAction = "deny"
	ActionAsk   PermissionAction = "ask"
)

// PermissionType names the capability a request is asking for.
type PermissionType string

const (
	PermBash        PermissionType = "bash"
	PermEdit        PermissionType = "edit"
	PermWebFetch    PermissionType = "webfetch"
	PermExternalDir PermissionType = "external_directory"
	PermDoomLoop    PermissionType = "doom_loop"
)

// Request is one pending ask. Pattern carries the rule patterns the
// request matched against, which clients show so the user knows what
// "always" will cover.
type Request struct {
	ID        string         `json:"id"`
	Type      PermissionType `json:"type"`
	Pattern   []string       `json:"pattern,omitempty"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	CallID    string         `json:"callID,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is a user's answer to a pending request.
type Response struct {
	RequestID string `json:"requestID"`
	Action    string `json:"action"` // "once" | "always" | "reject"
}

// RejectedError reports a denied permission. The turn pipeline treats
// it differently from tool failures: a rejection ends the turn instead
// of being fed back to the model.
type RejectedError struct {
	SessionID string
	Type      PermissionType
	CallID    string
	Metadata  map[string]any
	Message   string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// IsRejectedError reports whether err is, or wraps, a permission
// rejection.
func IsRejectedError(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// AgentPermissions is the per-agent rule set. Bash rules are keyed by
// command pattern and consulted most-specific first.
type AgentPermissions struct {
	Edit        PermissionAction            `json:"edit"`
	WebFetch    PermissionAction            `json:"webfetch"`
	ExternalDir PermissionAction            `json:"external_directory"`
	DoomLoop    PermissionAction            `json:"doom_loop"`
	Bash        map[string]PermissionAction `json:"bash"`
}

// DefaultAgentPermissions returns the ask-everything rule set.
func DefaultAgentPermissions() AgentPermissions {
	return AgentPermissions{
		Edit:        ActionAsk,
		WebFetch:    ActionAsk,
		ExternalDir: ActionAsk,
		DoomLoop:    ActionAsk,
		Bash:        map[string]PermissionAction{},
	}
}
