package types

import (
	"encoding/json"
	"fmt"
)

// Part represents a component of a message. Parts are stored individually
// and streamed to clients as they grow, so every part carries enough
// identity to be routed on its own.
type Part interface {
	PartType() string
	PartID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part.
type TextPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "text"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *TextPart) PartType() string { return "text" }
func (p *TextPart) PartID() string   { return p.ID }

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "reasoning"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *ReasoningPart) PartType() string { return "reasoning" }
func (p *ReasoningPart) PartID() string   { return p.ID }

// ToolStatus enumerates the lifecycle states of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolTime records when a tool invocation started and finished, unix ms.
type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// ToolState is the state payload of a tool part. Status moves
// pending -> running -> completed | error; a later state keeps the
// fields accumulated by earlier ones.
type ToolState struct {
	Status   ToolStatus      `json:"status"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Time     ToolTime        `json:"time,omitempty"`
}

// ToolPart represents one tool invocation, keyed by the provider-assigned
// call ID.
type ToolPart struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	MessageID string    `json:"messageID"`
	Type      string    `json:"type"` // always "tool"
	CallID    string    `json:"callID"`
	Tool      string    `json:"tool"`
	State     ToolState `json:"state"`
}

func (p *ToolPart) PartType() string { return "tool" }
func (p *ToolPart) PartID() string   { return p.ID }

// StepStartPart marks the beginning of one model request within a turn.
// Snapshot is the working-tree state captured before the step ran.
type StepStartPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
	Snapshot  string `json:"snapshot,omitempty"`
}

func (p *StepStartPart) PartType() string { return "step-start" }
func (p *StepStartPart) PartID() string   { return p.ID }

// StepFinishPart closes one model request and records its usage.
type StepFinishPart struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"` // always "step-finish"
	Reason    string     `json:"reason,omitempty"`
	Cost      float64    `json:"cost"`
	Tokens    TokenUsage `json:"tokens"`
}

func (p *StepFinishPart) PartType() string { return "step-finish" }
func (p *StepFinishPart) PartID() string   { return p.ID }

// PatchPart records the file changes captured between the snapshot taken
// at the start of a turn and the workspace state after it.
type PatchPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "patch"
	Hash      string   `json:"hash"`
	Files     []string `json:"files"`
}

func (p *PatchPart) PartType() string { return "patch" }
func (p *PatchPart) PartID() string   { return p.ID }

// FilePart represents a file attachment.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "file"
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

func (p *FilePart) PartType() string { return "file" }
func (p *FilePart) PartID() string   { return p.ID }

// UnmarshalPart unmarshals a JSON part into the appropriate type.
// Unknown part types return an error so callers can skip them.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var p Part
	switch probe.Type {
	case "text":
		p = &TextPart{}
	case "reasoning":
		p = &ReasoningPart{}
	case "tool":
		p = &ToolPart{}
	case "step-start":
		p = &StepStartPart{}
	case "step-finish":
		p = &StepFinishPart{}
	case "patch":
		p = &PatchPart{}
	case "file":
		p = &FilePart{}
	default:
		return nil, fmt.Errorf("unknown part type %q", probe.Type)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
