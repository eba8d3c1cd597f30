package types

// Message represents either a User or Assistant message in a conversation.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	Time      MessageTime `json:"time"`

	// User-specific fields
	Agent string    `json:"agent,omitempty"`
	Model *ModelRef `json:"model,omitempty"`

	// Assistant-specific fields
	ParentID   string        `json:"parentID,omitempty"` // Links to the user message that prompted this
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"` // Agent name (e.g., "coder", "plan")
	Path       *MessagePath  `json:"path,omitempty"` // Current working directory and root
	Summary    bool          `json:"summary,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessagePath contains the current working directory and project root.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// MessageTime contains timestamps for a message, unix milliseconds.
// Completed is stamped exactly once, when the turn that produced the
// message finishes for any reason.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token usage statistics for a message.
// Note: all fields are required by clients, do not use omitempty.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Total returns the full token footprint of the message including cache.
func (t TokenUsage) Total() int {
	return t.Input + t.Output + t.Reasoning + t.Cache.Read + t.Cache.Write
}

// MessageError represents an error that occurred during message processing.
// Format: {"name": "UnknownError", "data": {"message": "..."}}
type MessageError struct {
	Name string           `json:"name"` // see the New*Error constructors
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message    string `json:"message"`
	ProviderID string `json:"providerID,omitempty"` // For ProviderAuthError
}

// NewUnknownError creates a new UnknownError.
func NewUnknownError(message string) *MessageError {
	return &MessageError{
		Name: "UnknownError",
		Data: MessageErrorData{Message: message},
	}
}

// NewProviderAuthError creates a new ProviderAuthError.
func NewProviderAuthError(providerID, message string) *MessageError {
	return &MessageError{
		Name: "ProviderAuthError",
		Data: MessageErrorData{Message: message, ProviderID: providerID},
	}
}

// NewOutputLengthError creates a new MessageOutputLengthError, raised when
// the model stops because it hit its output token limit.
func NewOutputLengthError() *MessageError {
	return &MessageError{
		Name: "MessageOutputLengthError",
		Data: MessageErrorData{Message: "message output length exceeded"},
	}
}

// NewAbortedError creates a new MessageAbortedError, recorded when a turn
// is cancelled before the model finished.
func NewAbortedError() *MessageError {
	return &MessageError{
		Name: "MessageAbortedError",
		Data: MessageErrorData{Message: "aborted"},
	}
}
