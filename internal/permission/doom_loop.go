package permission

import (
	"bytes"

	"github.com/dzianisv/opencode/pkg/types"
)

// DoomLoopThreshold is the number of consecutive identical tool calls
// that counts as a loop.
const DoomLoopThreshold = 3

// DetectDoomLoop reports whether the tail of a message's persisted parts
// shows the model stuck repeating itself: the last threshold parts are
// all tool parts, all name the same tool, none is still waiting for its
// input to finish streaming, and all carry byte-identical serialized
// input. Anything else in the window, including a shorter history,
// breaks the pattern.
func DetectDoomLoop(parts []types.Part, threshold int) bool {
	if threshold <= 0 || len(parts) < threshold {
		return false
	}
	window := parts[len(parts)-threshold:]

	first, ok := window[0].(*types.ToolPart)
	if !ok {
		return false
	}
	for _, p := range window {
		tp, ok := p.(*types.ToolPart)
		if !ok {
			return false
		}
		if tp.State.Status == types.ToolPending {
			return false
		}
		if tp.Tool != first.Tool {
			return false
		}
		if !bytes.Equal(tp.State.Input, first.State.Input) {
			return false
		}
	}
	return true
}
