package provider

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/dzianisv/opencode/pkg/types"
)

// Stream lowers an Eino message stream into typed StreamEvents. Events
// arrive on the channel returned by Events; after that channel closes, Err
// reports how the stream ended (nil for natural completion).
//
// A single Stream covers one model round trip: text, reasoning and tool
// input events as they arrive, then one ToolCallEvent per committed call,
// then a FinishEvent. Turn-level framing (start, step boundaries, tool
// results) is layered on by the caller.
type Stream struct {
	reader *schema.StreamReader[*schema.Message]
	events chan StreamEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

// NewStream starts lowering reader into typed events.
func NewStream(reader *schema.StreamReader[*schema.Message]) *Stream {
	s := &Stream{
		reader: reader,
		events: make(chan StreamEvent, 16),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events returns the event channel. It is closed when the stream ends,
// whether naturally, with an error, or via Close.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Err reports how the stream ended. Only valid after Events is closed.
func (s *Stream) Err() error { return s.err }

// Close releases the underlying reader and stops event delivery. Safe to
// call more than once and concurrently with consumption.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.reader.Close()
	})
}

func (s *Stream) run() {
	defer close(s.events)
	acc := newChunkAccumulator()
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.emit(acc.finish()...)
			} else {
				select {
				case <-s.done:
					// Recv failed because Close released the reader.
				default:
					s.err = ClassifyError(err)
				}
			}
			return
		}
		if !s.emit(acc.ingest(msg)...) {
			return
		}
	}
}

func (s *Stream) emit(events ...StreamEvent) bool {
	for _, ev := range events {
		select {
		case s.events <- ev:
		case <-s.done:
			return false
		}
	}
	return true
}

// chunkAccumulator turns raw message chunks into deltas. Providers differ
// on whether a chunk carries the full content so far or only the new
// fragment; grow handles both shapes.
type chunkAccumulator struct {
	textID string
	text   string

	reasoningID   string
	reasoning     string
	reasoningOpen bool

	calls    map[string]*callState
	order    []string
	lastCall string

	reason string
	usage  types.TokenUsage
}

type callState struct {
	name string
	args string
}

func newChunkAccumulator() *chunkAccumulator {
	return &chunkAccumulator{calls: make(map[string]*callState)}
}

func (a *chunkAccumulator) ingest(msg *schema.Message) []StreamEvent {
	var events []StreamEvent

	if msg.ReasoningContent != "" {
		if delta := grow(&a.reasoning, msg.ReasoningContent); delta != "" {
			if a.reasoningID == "" {
				a.reasoningID = ulid.Make().String()
				a.reasoningOpen = true
				events = append(events, ReasoningStartEvent{ID: a.reasoningID})
			}
			events = append(events, ReasoningDeltaEvent{ID: a.reasoningID, Text: delta})
		}
	}

	if msg.Content != "" {
		if delta := grow(&a.text, msg.Content); delta != "" {
			if a.textID == "" {
				// Reasoning precedes text; close the block once text starts.
				if a.reasoningOpen {
					a.reasoningOpen = false
					events = append(events, ReasoningEndEvent{ID: a.reasoningID})
				}
				a.textID = ulid.Make().String()
				events = append(events, TextStartEvent{ID: a.textID})
			}
			events = append(events, TextDeltaEvent{ID: a.textID, Text: delta})
		}
	}

	for _, tc := range msg.ToolCalls {
		events = append(events, a.ingestToolCall(tc)...)
	}

	if msg.ResponseMeta != nil {
		if msg.ResponseMeta.FinishReason != "" {
			a.reason = msg.ResponseMeta.FinishReason
		}
		if u := msg.ResponseMeta.Usage; u != nil {
			a.usage.Input = u.PromptTokens
			a.usage.Output = u.CompletionTokens
		}
	}

	return events
}

func (a *chunkAccumulator) ingestToolCall(tc schema.ToolCall) []StreamEvent {
	id := tc.ID
	if id == "" {
		// Argument fragments on OpenAI-style providers omit the call ID.
		id = a.lastCall
	}
	if id == "" {
		return nil
	}

	var events []StreamEvent
	call, ok := a.calls[id]
	if !ok {
		call = &callState{name: tc.Function.Name}
		a.calls[id] = call
		a.order = append(a.order, id)
		events = append(events, ToolInputStartEvent{CallID: id, Tool: call.name})
	}
	a.lastCall = id
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}

	if args := tc.Function.Arguments; args != "" {
		if delta := grow(&call.args, args); delta != "" {
			events = append(events, ToolInputDeltaEvent{CallID: id, Delta: delta})
		}
	}
	return events
}

// finish closes any open blocks, commits buffered tool calls in first-seen
// order and ends the sequence with a FinishEvent.
func (a *chunkAccumulator) finish() []StreamEvent {
	var events []StreamEvent
	if a.reasoningOpen {
		events = append(events, ReasoningEndEvent{ID: a.reasoningID})
	}
	if a.textID != "" {
		events = append(events, TextEndEvent{ID: a.textID})
	}

	for _, id := range a.order {
		call := a.calls[id]
		events = append(events,
			ToolInputEndEvent{CallID: id},
			ToolCallEvent{CallID: id, Tool: call.name, Input: normalizeArguments(call.args)},
		)
	}

	reason := a.reason
	if reason == "" {
		if len(a.order) > 0 {
			reason = "tool_use"
		} else {
			reason = "stop"
		}
	}

	events = append(events, FinishEvent{Reason: reason, Usage: a.usage})
	return events
}

// grow merges chunk into acc and returns the newly added suffix. A chunk
// that extends the accumulated value is treated as cumulative; anything
// else is appended as a fragment.
func grow(acc *string, chunk string) string {
	if *acc == "" {
		*acc = chunk
		return chunk
	}
	if strings.HasPrefix(chunk, *acc) {
		delta := chunk[len(*acc):]
		*acc = chunk
		return delta
	}
	*acc += chunk
	return chunk
}

// normalizeArguments guarantees valid JSON for a committed tool input.
// Empty or malformed argument buffers become an empty object so the call
// still reaches the tool, which rejects it with a parameter error.
func normalizeArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}
