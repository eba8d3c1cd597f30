package session

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dzianisv/opencode/pkg/types"
)

func generatePartID() string {
	return ulid.Make().String()
}

// toolLedger tracks the turn's tool calls from the first streamed input
// byte until a result or error resolves them. Resolved calls leave the
// ledger, so a late duplicate result is recognizable and ignored. The
// ledger belongs to the turn's consumer goroutine and needs no locking.
type toolLedger struct {
	entries      map[string]*types.ToolPart
	pendingInput map[string]struct{}
}

func newToolLedger() *toolLedger {
	return &toolLedger{
		entries:      make(map[string]*types.ToolPart),
		pendingInput: make(map[string]struct{}),
	}
}

// onInputStart registers a call whose input has begun streaming and
// returns its pending part.
func (l *toolLedger) onInputStart(sessionID, messageID, callID, tool string) *types.ToolPart {
	if part, ok := l.entries[callID]; ok {
		return part
	}
	part := &types.ToolPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: messageID,
		Type:      "tool",
		CallID:    callID,
		Tool:      tool,
		State:     types.ToolState{Status: types.ToolPending},
	}
	l.entries[callID] = part
	l.pendingInput[callID] = struct{}{}
	return part
}

// onToolCall moves a pending call to running, stamping its input and
// start time. Calls the ledger never saw, or that already advanced, are
// dropped and nil is returned.
func (l *toolLedger) onToolCall(callID string, input json.RawMessage) *types.ToolPart {
	delete(l.pendingInput, callID)
	part := l.entries[callID]
	if part == nil || part.State.Status != types.ToolPending {
		return nil
	}
	part.State.Status = types.ToolRunning
	part.State.Input = input
	part.State.Time.Start = time.Now().UnixMilli()
	return part
}

// onProgress refreshes a running call's display state without advancing
// its lifecycle. Unknown or resolved calls return nil.
func (l *toolLedger) onProgress(callID, title string, metadata map[string]any) *types.ToolPart {
	part := l.entries[callID]
	if part == nil || part.State.Status != types.ToolRunning {
		return nil
	}
	if title != "" {
		part.State.Title = title
	}
	if metadata != nil {
		part.State.Metadata = metadata
	}
	return part
}

// onToolResult completes a running call and removes it from the ledger.
// Results for unknown or already resolved calls return nil.
func (l *toolLedger) onToolResult(callID, output, title string, metadata map[string]any) *types.ToolPart {
	part := l.entries[callID]
	if part == nil || part.State.Status != types.ToolRunning {
		return nil
	}
	part.State.Status = types.ToolCompleted
	part.State.Output = output
	part.State.Title = title
	part.State.Metadata = metadata
	part.State.Time.End = time.Now().UnixMilli()
	delete(l.entries, callID)
	return part
}

// onToolError fails a running call and removes it from the ledger.
// Errors for unknown or already resolved calls return nil.
func (l *toolLedger) onToolError(callID, message string) *types.ToolPart {
	part := l.entries[callID]
	if part == nil || part.State.Status != types.ToolRunning {
		return nil
	}
	part.State.Status = types.ToolError
	part.State.Error = message
	part.State.Time.End = time.Now().UnixMilli()
	delete(l.entries, callID)
	return part
}

// inputPending reports whether any call's input is still streaming.
func (l *toolLedger) inputPending() bool {
	return len(l.pendingInput) > 0
}

// running reports whether any call has been dispatched but not resolved.
func (l *toolLedger) running() bool {
	for _, part := range l.entries {
		if part.State.Status == types.ToolRunning {
			return true
		}
	}
	return false
}
