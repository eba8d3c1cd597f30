package provider

import (
	"encoding/json"

	"github.com/dzianisv/opencode/pkg/types"
)

// StreamEvent is one element of the typed event sequence produced while a
// completion streams. Consumers switch on the concrete type; an event type
// they do not recognize must be logged and skipped, never treated as fatal.
type StreamEvent interface {
	streamEvent()
}

// StartEvent opens a turn's event sequence.
type StartEvent struct{}

func (StartEvent) streamEvent() {}

// StepStartEvent opens one model round trip within a turn.
type StepStartEvent struct{}

func (StepStartEvent) streamEvent() {}

// StepFinishEvent closes one model round trip with the finish reason and
// the token usage reported for that round trip.
type StepFinishEvent struct {
	Reason string
	Usage  types.TokenUsage
}

func (StepFinishEvent) streamEvent() {}

// TextStartEvent opens a text block. ID names the block for the delta and
// end events that follow.
type TextStartEvent struct {
	ID string
}

func (TextStartEvent) streamEvent() {}

// TextDeltaEvent carries a text fragment for an open text block.
type TextDeltaEvent struct {
	ID   string
	Text string
}

func (TextDeltaEvent) streamEvent() {}

// TextEndEvent closes a text block.
type TextEndEvent struct {
	ID string
}

func (TextEndEvent) streamEvent() {}

// ReasoningStartEvent opens a reasoning block (extended thinking).
type ReasoningStartEvent struct {
	ID string
}

func (ReasoningStartEvent) streamEvent() {}

// ReasoningDeltaEvent carries a reasoning fragment.
type ReasoningDeltaEvent struct {
	ID   string
	Text string
}

func (ReasoningDeltaEvent) streamEvent() {}

// ReasoningEndEvent closes a reasoning block.
type ReasoningEndEvent struct {
	ID string
}

func (ReasoningEndEvent) streamEvent() {}

// ToolInputStartEvent signals that the provider has started buffering
// arguments for a tool call. The committed arguments arrive later in a
// ToolCallEvent with the same CallID.
type ToolInputStartEvent struct {
	CallID string
	Tool   string
}

func (ToolInputStartEvent) streamEvent() {}

// ToolInputDeltaEvent carries a raw argument fragment for a buffering tool
// call. The fragment is not necessarily valid JSON on its own.
type ToolInputDeltaEvent struct {
	CallID string
	Delta  string
}

func (ToolInputDeltaEvent) streamEvent() {}

// ToolInputEndEvent signals that a tool call's arguments finished
// buffering.
type ToolInputEndEvent struct {
	CallID string
}

func (ToolInputEndEvent) streamEvent() {}

// ToolCallEvent commits a tool call with its parsed input.
type ToolCallEvent struct {
	CallID string
	Tool   string
	Input  json.RawMessage
}

func (ToolCallEvent) streamEvent() {}

// ToolProgressEvent carries a live title or metadata update from a tool
// that is still executing. Zero or more arrive between a ToolCallEvent
// and that call's result or error.
type ToolProgressEvent struct {
	CallID   string
	Tool     string
	Title    string
	Metadata map[string]any
}

func (ToolProgressEvent) streamEvent() {}

// ToolResultEvent reports a successfully executed tool call.
type ToolResultEvent struct {
	CallID   string
	Tool     string
	Output   string
	Title    string
	Metadata map[string]any
}

func (ToolResultEvent) streamEvent() {}

// ToolErrorEvent reports a failed tool call.
type ToolErrorEvent struct {
	CallID string
	Tool   string
	Err    error
}

func (ToolErrorEvent) streamEvent() {}

// ErrorEvent carries a stream failure delivered in band. The same error is
// also returned from the stream's Err method after the channel closes.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) streamEvent() {}

// FinishEvent is the final event of a sequence. Reason is the last finish
// reason the provider reported; Usage is cumulative across round trips.
type FinishEvent struct {
	Reason string
	Usage  types.TokenUsage
}

func (FinishEvent) streamEvent() {}
