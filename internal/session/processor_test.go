package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/snapshot"
	"github.com/dzianisv/opencode/pkg/types"
)

// memStore is an in-memory Store. Parts are returned in first-write
// order as independent copies, matching how the real service rebuilds
// them from storage.
type memStore struct {
	mu       sync.Mutex
	messages map[string]types.Message
	order    map[string][]string
	parts    map[string]types.Part
	writes   map[string]int
	deltas   int
}

func newMemStore() *memStore {
	return &memStore{
		messages: make(map[string]types.Message),
		order:    make(map[string][]string),
		parts:    make(map[string]types.Part),
		writes:   make(map[string]int),
	}
}

func (m *memStore) UpdateMessage(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = *msg
	return nil
}

func (m *memStore) UpdatePart(_ context.Context, part types.Part, delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := part.PartID()
	if _, ok := m.parts[id]; !ok {
		msgID := partMessageID(part)
		m.order[msgID] = append(m.order[msgID], id)
	}
	m.parts[id] = clonePart(part)
	m.writes[id]++
	if delta != "" {
		m.deltas++
	}
	return nil
}

func (m *memStore) Parts(_ context.Context, messageID string) ([]types.Part, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.order[messageID]
	parts := make([]types.Part, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, clonePart(m.parts[id]))
	}
	return parts, nil
}

func (m *memStore) partList(messageID string) []types.Part {
	parts, _ := m.Parts(context.Background(), messageID)
	return parts
}

func (m *memStore) textPart(t *testing.T, id string) *types.TextPart {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	part, ok := m.parts[id]
	require.True(t, ok, "text part %s was never persisted", id)
	tp, ok := part.(*types.TextPart)
	require.True(t, ok, "part %s is %T, not a text part", id, part)
	return tp
}

func (m *memStore) toolPart(t *testing.T, messageID, callID string) *types.ToolPart {
	t.Helper()
	for _, part := range m.partList(messageID) {
		if tp, ok := part.(*types.ToolPart); ok && tp.CallID == callID {
			return tp
		}
	}
	t.Fatalf("no tool part for call %s", callID)
	return nil
}

func (m *memStore) writeCount(partID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[partID]
}

func (m *memStore) deltaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deltas
}

func clonePart(part types.Part) types.Part {
	switch p := part.(type) {
	case *types.TextPart:
		c := *p
		return &c
	case *types.ReasoningPart:
		c := *p
		return &c
	case *types.ToolPart:
		c := *p
		return &c
	case *types.StepStartPart:
		c := *p
		return &c
	case *types.StepFinishPart:
		c := *p
		return &c
	case *types.PatchPart:
		c := *p
		return &c
	default:
		return part
	}
}

// fakeSource feeds scripted events through the Source interface.
type fakeSource struct {
	events chan provider.StreamEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

func (f *fakeSource) Events() <-chan provider.StreamEvent { return f.events }
func (f *fakeSource) Err() error                          { return f.err }
func (f *fakeSource) Close()                              { f.once.Do(func() { close(f.done) }) }

type step struct {
	after time.Duration
	event provider.StreamEvent
}

// play returns an OpenStream serving a fresh scripted source per
// attempt. With hold set the stream stays open and silent after the
// last step instead of closing.
func play(steps []step, hold bool) OpenStream {
	return func(ctx context.Context) (Source, error) {
		src := &fakeSource{
			events: make(chan provider.StreamEvent),
			done:   make(chan struct{}),
		}
		go func() {
			defer func() {
				if !hold {
					close(src.events)
				}
			}()
			for _, st := range steps {
				if st.after > 0 {
					select {
					case <-time.After(st.after):
					case <-src.done:
						return
					}
				}
				select {
				case src.events <- st.event:
				case <-src.done:
					return
				}
			}
		}()
		return src, nil
	}
}

func scripted(events ...provider.StreamEvent) OpenStream {
	steps := make([]step, len(events))
	for i, ev := range events {
		steps[i] = step{event: ev}
	}
	return play(steps, false)
}

func openError(err error) OpenStream {
	return func(context.Context) (Source, error) { return nil, err }
}

// openSequence serves one OpenStream per attempt, repeating the last.
func openSequence(opens ...OpenStream) OpenStream {
	var n int
	return func(ctx context.Context) (Source, error) {
		i := n
		if i >= len(opens) {
			i = len(opens) - 1
		}
		n++
		return opens[i](ctx)
	}
}

func testModel() *types.Model {
	return &types.Model{
		ID:              "claude-sonnet-4",
		Name:            "Claude Sonnet 4",
		ProviderID:      "anthropic",
		ContextLength:   200000,
		MaxOutputTokens: 8192,
		InputPrice:      3,
		OutputPrice:     15,
	}
}

func testMessage(sessionID string) *types.Message {
	return &types.Message{
		ID:         generateID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ModelID:    "claude-sonnet-4",
		ProviderID: "anthropic",
		Mode:       "build",
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
	}
}

func testTurn(store Store, open OpenStream, sessionID string) *turn {
	return newTurn(store, open, testMessage(sessionID), testModel(), nil, nil, nil, zerolog.Nop())
}

func TestTurnStreamsTextThroughSinglePart(t *testing.T) {
	store := newMemStore()
	open := scripted(
		provider.StartEvent{},
		provider.StepStartEvent{},
		provider.TextStartEvent{ID: "p1"},
		provider.TextDeltaEvent{ID: "p1", Text: "Hel"},
		provider.TextDeltaEvent{ID: "p1", Text: "lo "},
		provider.TextDeltaEvent{ID: "p1", Text: "world"},
		provider.TextEndEvent{ID: "p1"},
		provider.StepFinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 12, Output: 3}},
		provider.FinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 12, Output: 3}},
	)
	tn := testTurn(store, open, "sess-text")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Nil(t, tn.message.Error)
	require.NotNil(t, tn.message.Finish)
	assert.Equal(t, "stop", *tn.message.Finish)
	require.NotNil(t, tn.message.Time.Completed)

	part := store.textPart(t, "p1")
	assert.Equal(t, "Hello world", part.Text)
	require.NotNil(t, part.Time.End)

	require.NotNil(t, tn.message.Tokens)
	assert.Equal(t, 12, tn.message.Tokens.Input)
	assert.Equal(t, 3, tn.message.Tokens.Output)
	assert.InDelta(t, (12*3.0+3*15.0)/1e6, tn.message.Cost, 1e-12)

	// step-start, text, step-finish
	assert.Len(t, store.partList(tn.message.ID), 3)
}

func TestTurnReasoningLifecycle(t *testing.T) {
	store := newMemStore()
	open := scripted(
		provider.StartEvent{},
		provider.ReasoningStartEvent{ID: "r1"},
		provider.ReasoningDeltaEvent{ID: "r1", Text: "thinking about"},
		provider.ReasoningDeltaEvent{ID: "r1", Text: " the fix "},
		provider.ReasoningEndEvent{ID: "r1"},
		provider.FinishEvent{Reason: "stop"},
	)
	tn := testTurn(store, open, "sess-reasoning")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	parts := store.partList(tn.message.ID)
	require.Len(t, parts, 1)
	rp, ok := parts[0].(*types.ReasoningPart)
	require.True(t, ok)
	assert.Equal(t, "thinking about the fix", rp.Text)
	require.NotNil(t, rp.Time.End)
}

func TestTurnThrottlesDeltaFlushes(t *testing.T) {
	store := newMemStore()
	steps := []step{
		{event: provider.StartEvent{}},
		{event: provider.TextStartEvent{ID: "p1"}},
	}
	for i := 0; i < 20; i++ {
		steps = append(steps, step{after: 5 * time.Millisecond, event: provider.TextDeltaEvent{ID: "p1", Text: "x"}})
	}
	steps = append(steps,
		step{event: provider.TextEndEvent{ID: "p1"}},
		step{event: provider.FinishEvent{Reason: "stop"}},
	)
	tn := testTurn(store, play(steps, false), "sess-throttle")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Equal(t, "xxxxxxxxxxxxxxxxxxxx", store.textPart(t, "p1").Text)

	flushes := store.deltaCount()
	assert.GreaterOrEqual(t, flushes, 1, "the flush timer should fire while deltas stream")
	assert.LessOrEqual(t, flushes, 6, "persistence must be rate limited, not per delta")
}

func TestTurnDeadlineFollowsToolLifecycle(t *testing.T) {
	tn := testTurn(newMemStore(), nil, "sess-deadline")
	ctx := context.Background()

	assert.Equal(t, streamIdleTimeout, tn.deadline())

	require.NoError(t, tn.handle(ctx, provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"}))
	assert.Equal(t, toolIdleTimeout, tn.deadline())

	require.NoError(t, tn.handle(ctx, provider.ToolInputStartEvent{CallID: "c2", Tool: "read"}))
	require.NoError(t, tn.handle(ctx, provider.ToolCallEvent{CallID: "c1", Tool: "bash", Input: json.RawMessage(`{}`)}))
	assert.Equal(t, toolIdleTimeout, tn.deadline(), "one call committing leaves the other pending")

	require.NoError(t, tn.handle(ctx, provider.ToolCallEvent{CallID: "c2", Tool: "read", Input: json.RawMessage(`{}`)}))
	assert.Equal(t, toolIdleTimeout, tn.deadline(), "committed calls are executing, nothing streams until their results")

	require.NoError(t, tn.handle(ctx, provider.ToolResultEvent{CallID: "c1", Tool: "bash", Output: "ok"}))
	assert.Equal(t, toolIdleTimeout, tn.deadline())

	require.NoError(t, tn.handle(ctx, provider.ToolResultEvent{CallID: "c2", Tool: "read", Output: "ok"}))
	assert.Equal(t, streamIdleTimeout, tn.deadline())
}

func TestTurnDeadlineResetsOnToolError(t *testing.T) {
	tn := testTurn(newMemStore(), nil, "sess-deadline-err")
	ctx := context.Background()

	require.NoError(t, tn.handle(ctx, provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"}))
	require.NoError(t, tn.handle(ctx, provider.ToolCallEvent{CallID: "c1", Tool: "bash", Input: json.RawMessage(`{}`)}))
	assert.Equal(t, toolIdleTimeout, tn.deadline())

	require.NoError(t, tn.handle(ctx, provider.ToolErrorEvent{CallID: "c1", Tool: "bash", Err: errors.New("exit status 1")}))
	assert.Equal(t, streamIdleTimeout, tn.deadline())
}

func TestTurnSurvivesSlowToolArguments(t *testing.T) {
	store := newMemStore()
	steps := []step{
		{event: provider.StartEvent{}},
		{after: 5 * time.Millisecond, event: provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"}},
		{after: 10 * time.Millisecond, event: provider.ToolInputDeltaEvent{CallID: "c1", Delta: `{"comm`}},
		{after: 150 * time.Millisecond, event: provider.ToolCallEvent{CallID: "c1", Tool: "bash", Input: json.RawMessage(`{"command":"go test ./..."}`)}},
		{after: 10 * time.Millisecond, event: provider.ToolResultEvent{CallID: "c1", Tool: "bash", Output: "ok"}},
		{after: 5 * time.Millisecond, event: provider.FinishEvent{Reason: "stop"}},
	}
	tn := testTurn(store, play(steps, false), "sess-slow-input")
	tn.baseDeadline = 60 * time.Millisecond
	tn.toolDeadline = 500 * time.Millisecond

	start := time.Now()
	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Nil(t, tn.message.Error)
	assert.Zero(t, tn.retry.idleRetries, "extended deadline must absorb slow arguments")
	assert.Less(t, time.Since(start), 450*time.Millisecond)

	part := store.toolPart(t, tn.message.ID, "c1")
	assert.Equal(t, types.ToolCompleted, part.State.Status)
	assert.Equal(t, "ok", part.State.Output)
}

func TestTurnSurvivesSlowToolExecution(t *testing.T) {
	store := newMemStore()
	steps := []step{
		{event: provider.StartEvent{}},
		{after: 5 * time.Millisecond, event: provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"}},
		{after: 10 * time.Millisecond, event: provider.ToolCallEvent{CallID: "c1", Tool: "bash", Input: json.RawMessage(`{"command":"make test"}`)}},
		// The result lands well past the base deadline; nothing else is
		// on the wire while the tool runs.
		{after: 150 * time.Millisecond, event: provider.ToolResultEvent{CallID: "c1", Tool: "bash", Output: "done"}},
		{after: 5 * time.Millisecond, event: provider.FinishEvent{Reason: "stop"}},
	}
	opens := 0
	inner := play(steps, false)
	open := func(ctx context.Context) (Source, error) {
		opens++
		return inner(ctx)
	}
	tn := testTurn(store, open, "sess-slow-tool")
	tn.baseDeadline = 60 * time.Millisecond
	tn.toolDeadline = 500 * time.Millisecond

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Nil(t, tn.message.Error)
	assert.Zero(t, tn.retry.idleRetries, "a running call must keep the extended deadline armed")
	assert.Equal(t, 1, opens, "an idle retry here would reopen the stream and re-run the tool")

	part := store.toolPart(t, tn.message.ID, "c1")
	assert.Equal(t, types.ToolCompleted, part.State.Status)
	assert.Equal(t, "done", part.State.Output)
}

func TestTurnGivesUpAfterStallBudget(t *testing.T) {
	store := newMemStore()
	steps := []step{
		{event: provider.StartEvent{}},
		{after: 5 * time.Millisecond, event: provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"}},
		{after: 5 * time.Millisecond, event: provider.ToolInputDeltaEvent{CallID: "c1", Delta: `{"co`}},
	}
	tn := testTurn(store, play(steps, true), "sess-input-stall")
	tn.baseDeadline = 30 * time.Millisecond
	tn.toolDeadline = 90 * time.Millisecond
	tn.retry.idleRetries = maxStreamIdleRetries

	var mu sync.Mutex
	var failures []*types.MessageError
	unsub := event.Subscribe(event.SessionError, func(ev event.Event) {
		data, ok := ev.Data.(event.SessionErrorData)
		if !ok || data.SessionID != "sess-input-stall" {
			return
		}
		mu.Lock()
		failures = append(failures, data.Error)
		mu.Unlock()
	})
	defer unsub()

	outcome := tn.run(context.Background())

	require.Equal(t, turnStop, outcome)
	require.NotNil(t, tn.message.Error)
	assert.Equal(t, "UnknownError", tn.message.Error.Name)
	assert.Contains(t, tn.message.Error.Data.Message, "gave up after 3 retries")
	assert.Contains(t, tn.message.Error.Data.Message, "90ms", "the extended deadline governs while arguments stream")
	require.NotNil(t, tn.message.Time.Completed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, tn.message.Error.Name, failures[0].Name)
	mu.Unlock()
}

func TestTurnRetriesStalledStreamOnce(t *testing.T) {
	store := newMemStore()
	stalled := play([]step{{event: provider.StartEvent{}}}, true)
	healthy := scripted(
		provider.StartEvent{},
		provider.TextStartEvent{ID: "p1"},
		provider.TextDeltaEvent{ID: "p1", Text: "recovered"},
		provider.TextEndEvent{ID: "p1"},
		provider.FinishEvent{Reason: "stop"},
	)
	tn := testTurn(store, openSequence(stalled, healthy), "sess-stall-retry")
	tn.baseDeadline = 30 * time.Millisecond

	var mu sync.Mutex
	var retries []types.SessionStatus
	unsub := event.Subscribe(event.SessionStatus, func(ev event.Event) {
		data, ok := ev.Data.(event.SessionStatusData)
		if !ok || data.SessionID != "sess-stall-retry" || data.Status.Type != types.SessionRetry {
			return
		}
		mu.Lock()
		retries = append(retries, data.Status)
		mu.Unlock()
	})
	defer unsub()

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Nil(t, tn.message.Error)
	assert.Equal(t, "recovered", store.textPart(t, "p1").Text)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(retries) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	status := retries[0]
	mu.Unlock()
	assert.Equal(t, 1, status.Attempt)
	assert.Equal(t, maxStreamIdleRetries, status.Limit)
	assert.Contains(t, status.Message, "no stream activity")
	assert.NotZero(t, status.Next)
}

func TestTurnRetriesTransientStreamError(t *testing.T) {
	store := newMemStore()
	flaky := scripted(
		provider.StartEvent{},
		provider.ErrorEvent{Err: errors.New("503 service unavailable")},
	)
	healthy := scripted(
		provider.StartEvent{},
		provider.TextStartEvent{ID: "p1"},
		provider.TextDeltaEvent{ID: "p1", Text: "recovered"},
		provider.TextEndEvent{ID: "p1"},
		provider.FinishEvent{Reason: "stop"},
	)
	tn := testTurn(store, openSequence(flaky, healthy), "sess-transient")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Nil(t, tn.message.Error)
	assert.Equal(t, "recovered", store.textPart(t, "p1").Text)
}

func TestTurnCancelDuringRetrySleep(t *testing.T) {
	store := newMemStore()
	stalled := play([]step{{event: provider.StartEvent{}}}, true)
	tn := testTurn(store, stalled, "sess-cancel-sleep")
	tn.baseDeadline = 25 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(150*time.Millisecond, cancel)
	defer timer.Stop()

	start := time.Now()
	outcome := tn.run(ctx)

	assert.Equal(t, turnStop, outcome)
	require.NotNil(t, tn.message.Error)
	assert.Equal(t, "MessageAbortedError", tn.message.Error.Name)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "cancel must cut the retry sleep short")
	require.NotNil(t, tn.message.Time.Completed)
}

func TestTurnCancelMidStreamPersistsPartialText(t *testing.T) {
	store := newMemStore()
	steps := []step{
		{event: provider.StartEvent{}},
		{event: provider.TextStartEvent{ID: "p1"}},
		{after: 5 * time.Millisecond, event: provider.TextDeltaEvent{ID: "p1", Text: "partial answer"}},
	}
	tn := testTurn(store, play(steps, true), "sess-cancel-stream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(80*time.Millisecond, cancel)
	defer timer.Stop()

	outcome := tn.run(ctx)

	assert.Equal(t, turnStop, outcome)
	require.NotNil(t, tn.message.Error)
	assert.Equal(t, "MessageAbortedError", tn.message.Error.Name)
	assert.Equal(t, "partial answer", store.textPart(t, "p1").Text)
}

func TestTurnSweepsUnresolvedToolCalls(t *testing.T) {
	store := newMemStore()
	open := scripted(
		provider.StartEvent{},
		provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"},
		provider.ToolCallEvent{CallID: "c1", Tool: "bash", Input: json.RawMessage(`{"command":"ls"}`)},
		provider.ToolResultEvent{CallID: "c1", Tool: "bash", Output: "a.txt"},
		provider.ToolInputStartEvent{CallID: "c2", Tool: "read"},
		provider.ToolCallEvent{CallID: "c2", Tool: "read", Input: json.RawMessage(`{"filePath":"a.txt"}`)},
	)
	tn := testTurn(store, open, "sess-sweep")

	tn.run(context.Background())

	done := store.toolPart(t, tn.message.ID, "c1")
	assert.Equal(t, types.ToolCompleted, done.State.Status)
	assert.Equal(t, "a.txt", done.State.Output)

	swept := store.toolPart(t, tn.message.ID, "c2")
	assert.Equal(t, types.ToolError, swept.State.Status)
	assert.Equal(t, "Tool execution aborted", swept.State.Error)
	assert.Equal(t, swept.State.Time.Start, swept.State.Time.End)
	require.NotNil(t, tn.message.Time.Completed)
}

func TestTurnDoomLoopBlocksThirdIdenticalCall(t *testing.T) {
	input := json.RawMessage(`{"command":"ls"}`)
	call := func(id string, in json.RawMessage) []provider.StreamEvent {
		return []provider.StreamEvent{
			provider.ToolInputStartEvent{CallID: id, Tool: "bash"},
			provider.ToolCallEvent{CallID: id, Tool: "bash", Input: in},
			provider.ToolResultEvent{CallID: id, Tool: "bash", Output: "a.txt"},
		}
	}
	script := func(third json.RawMessage) []provider.StreamEvent {
		events := []provider.StreamEvent{provider.StartEvent{}}
		events = append(events, call("c1", input)...)
		events = append(events, call("c2", input)...)
		events = append(events, call("c3", third)...)
		return append(events, provider.FinishEvent{Reason: "stop"})
	}
	newAgent := func() *Agent {
		a := &Agent{Name: "build", Permissions: permission.DefaultAgentPermissions()}
		a.Permissions.DoomLoop = permission.ActionDeny
		return a
	}

	t.Run("identical input is blocked", func(t *testing.T) {
		store := newMemStore()
		open := scripted(script(input)...)
		tn := newTurn(store, open, testMessage("sess-doom"), testModel(), newAgent(), permission.NewChecker(), nil, zerolog.Nop())

		outcome := tn.run(context.Background())

		assert.Equal(t, turnStop, outcome)
		assert.Nil(t, tn.message.Error, "a loop block is not a stream failure")
		third := store.toolPart(t, tn.message.ID, "c3")
		assert.Equal(t, types.ToolError, third.State.Status)
		assert.Contains(t, third.State.Error, "Permission denied")
		assert.Equal(t, types.ToolCompleted, store.toolPart(t, tn.message.ID, "c1").State.Status)
		assert.Equal(t, types.ToolCompleted, store.toolPart(t, tn.message.ID, "c2").State.Status)
	})

	t.Run("diverging input proceeds", func(t *testing.T) {
		store := newMemStore()
		open := scripted(script(json.RawMessage(`{"command":"pwd"}`))...)
		tn := newTurn(store, open, testMessage("sess-doom-div"), testModel(), newAgent(), permission.NewChecker(), nil, zerolog.Nop())

		outcome := tn.run(context.Background())

		assert.Equal(t, turnContinue, outcome)
		assert.Nil(t, tn.message.Error)
		assert.Equal(t, types.ToolCompleted, store.toolPart(t, tn.message.ID, "c3").State.Status)
	})

	t.Run("continue-on-deny keeps the turn alive", func(t *testing.T) {
		store := newMemStore()
		open := scripted(script(input)...)
		agent := newAgent()
		agent.ContinueOnDeny = true
		tn := newTurn(store, open, testMessage("sess-doom-cont"), testModel(), agent, permission.NewChecker(), nil, zerolog.Nop())

		outcome := tn.run(context.Background())

		assert.Equal(t, turnContinue, outcome)
		assert.Nil(t, tn.message.Error)
		assert.Equal(t, types.ToolError, store.toolPart(t, tn.message.ID, "c3").State.Status)
		require.NotNil(t, tn.message.Finish)
		assert.Equal(t, "stop", *tn.message.Finish)
	})
}

func TestTurnCompactsWhenUsageExceedsWindow(t *testing.T) {
	// Window 1000 with 100 reserved for output: compaction is due past 810.
	small := &types.Model{ID: "small", ContextLength: 1000, MaxOutputTokens: 100}

	t.Run("reported usage", func(t *testing.T) {
		store := newMemStore()
		open := scripted(
			provider.StartEvent{},
			provider.StepStartEvent{},
			provider.StepFinishEvent{Reason: "tool_use", Usage: types.TokenUsage{Input: 900}},
			provider.FinishEvent{Reason: "stop"},
		)
		tn := newTurn(store, open, testMessage("sess-overflow"), small, nil, nil, nil, zerolog.Nop())

		assert.Equal(t, turnCompact, tn.run(context.Background()))
		assert.Nil(t, tn.message.Error)
	})

	t.Run("estimate fallback when usage is unreported", func(t *testing.T) {
		store := newMemStore()
		open := scripted(
			provider.StartEvent{},
			provider.StepStartEvent{},
			provider.StepFinishEvent{Reason: "tool_use"},
			provider.FinishEvent{Reason: "stop"},
		)
		tn := newTurn(store, open, testMessage("sess-overflow-est"), small, nil, nil, nil, zerolog.Nop())
		tn.inputEstimate = 900

		assert.Equal(t, turnCompact, tn.run(context.Background()))
	})

	t.Run("reported usage overrides the estimate", func(t *testing.T) {
		store := newMemStore()
		open := scripted(
			provider.StartEvent{},
			provider.StepStartEvent{},
			provider.StepFinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 50}},
			provider.FinishEvent{Reason: "stop"},
		)
		tn := newTurn(store, open, testMessage("sess-overflow-rep"), small, nil, nil, nil, zerolog.Nop())
		tn.inputEstimate = 900

		assert.Equal(t, turnContinue, tn.run(context.Background()))
	})
}

func TestTurnCompactsOnOverflowError(t *testing.T) {
	store := newMemStore()
	open := openError(errors.New("prompt is too long: 210000 tokens > 200000 maximum"))
	tn := testTurn(store, open, "sess-overflow-err")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnCompact, outcome, "overflow outranks the recorded error")
	require.NotNil(t, tn.message.Error)
}

func TestTurnAuthFailureIsTerminal(t *testing.T) {
	store := newMemStore()
	open := openError(errors.New("401 unauthorized: invalid x-api-key"))
	tn := testTurn(store, open, "sess-auth")

	start := time.Now()
	outcome := tn.run(context.Background())

	assert.Equal(t, turnStop, outcome)
	require.NotNil(t, tn.message.Error)
	assert.Equal(t, "ProviderAuthError", tn.message.Error.Name)
	assert.Equal(t, "anthropic", tn.message.Error.Data.ProviderID)
	assert.Less(t, time.Since(start), time.Second, "auth failures must not retry")
}

func TestTurnFinishUsageAdoption(t *testing.T) {
	t.Run("larger totals are adopted", func(t *testing.T) {
		store := newMemStore()
		open := scripted(
			provider.StartEvent{},
			provider.StepStartEvent{},
			provider.StepFinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 10, Output: 5}},
			provider.FinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 100, Output: 20}},
		)
		tn := testTurn(store, open, "sess-usage-adopt")

		tn.run(context.Background())

		require.NotNil(t, tn.message.Tokens)
		assert.Equal(t, 100, tn.message.Tokens.Input)
		assert.Equal(t, 20, tn.message.Tokens.Output)
		assert.InDelta(t, (100*3.0+20*15.0)/1e6, tn.message.Cost, 1e-12)
	})

	t.Run("smaller totals are ignored", func(t *testing.T) {
		store := newMemStore()
		open := scripted(
			provider.StartEvent{},
			provider.StepStartEvent{},
			provider.StepFinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 10, Output: 5}},
			provider.FinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 1}},
		)
		tn := testTurn(store, open, "sess-usage-keep")

		tn.run(context.Background())

		require.NotNil(t, tn.message.Tokens)
		assert.Equal(t, 10, tn.message.Tokens.Input)
		assert.Equal(t, 5, tn.message.Tokens.Output)
		assert.InDelta(t, (10*3.0+5*15.0)/1e6, tn.message.Cost, 1e-12)
	})
}

func TestTurnOutputLengthStops(t *testing.T) {
	store := newMemStore()
	open := scripted(
		provider.StartEvent{},
		provider.TextStartEvent{ID: "p1"},
		provider.TextDeltaEvent{ID: "p1", Text: "truncated"},
		provider.TextEndEvent{ID: "p1"},
		provider.FinishEvent{Reason: "length"},
	)
	tn := testTurn(store, open, "sess-length")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnStop, outcome)
	require.NotNil(t, tn.message.Error)
	assert.Equal(t, "MessageOutputLengthError", tn.message.Error.Name)
	require.NotNil(t, tn.message.Finish)
	assert.Equal(t, "length", *tn.message.Finish)
}

func TestTurnToolProgressUpdates(t *testing.T) {
	store := newMemStore()
	open := scripted(
		provider.StartEvent{},
		provider.ToolInputStartEvent{CallID: "c1", Tool: "bash"},
		provider.ToolCallEvent{CallID: "c1", Tool: "bash", Input: json.RawMessage(`{"command":"make"}`)},
		provider.ToolProgressEvent{CallID: "c1", Tool: "bash", Title: "compiling", Metadata: map[string]any{"step": 1}},
		provider.ToolProgressEvent{CallID: "c9", Tool: "bash", Title: "ghost"},
		provider.ToolResultEvent{CallID: "c1", Tool: "bash", Output: "done", Title: "build finished"},
		provider.FinishEvent{Reason: "stop"},
	)
	tn := testTurn(store, open, "sess-progress")

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	parts := store.partList(tn.message.ID)
	require.Len(t, parts, 1, "progress for an unknown call must not create parts")

	part := store.toolPart(t, tn.message.ID, "c1")
	assert.Equal(t, types.ToolCompleted, part.State.Status)
	assert.Equal(t, "build finished", part.State.Title)
	// pending, running, progress, completed
	assert.Equal(t, 4, store.writeCount(part.ID))
}

type fakeSnaps struct {
	hash    string
	patch   *snapshot.Patch
	tracks  int
	patches int
}

func (f *fakeSnaps) Track(context.Context) (string, error) {
	f.tracks++
	return f.hash, nil
}

func (f *fakeSnaps) Patch(_ context.Context, since string) (*snapshot.Patch, error) {
	f.patches++
	return f.patch, nil
}

func TestTurnSnapshotLifecycle(t *testing.T) {
	store := newMemStore()
	snaps := &fakeSnaps{
		hash:  "abc123",
		patch: &snapshot.Patch{Hash: "abc123", Files: []string{"main.go"}},
	}
	open := scripted(
		provider.StartEvent{},
		provider.StepStartEvent{},
		provider.TextStartEvent{ID: "p1"},
		provider.TextDeltaEvent{ID: "p1", Text: "done"},
		provider.TextEndEvent{ID: "p1"},
		provider.StepFinishEvent{Reason: "stop", Usage: types.TokenUsage{Input: 5, Output: 2}},
		provider.FinishEvent{Reason: "stop"},
	)
	tn := newTurn(store, open, testMessage("sess-snap"), testModel(), nil, nil, snaps, zerolog.Nop())

	summaries := 0
	tn.summarize = func(sessionID, messageID string) { summaries++ }

	outcome := tn.run(context.Background())

	assert.Equal(t, turnContinue, outcome)
	assert.Equal(t, 1, snaps.tracks)
	assert.Equal(t, 1, snaps.patches, "finalize must not re-patch a settled step")
	assert.Equal(t, 1, summaries)

	var stepStart *types.StepStartPart
	var patch *types.PatchPart
	for _, part := range store.partList(tn.message.ID) {
		switch p := part.(type) {
		case *types.StepStartPart:
			stepStart = p
		case *types.PatchPart:
			patch = p
		}
	}
	require.NotNil(t, stepStart)
	assert.Equal(t, "abc123", stepStart.Snapshot)
	require.NotNil(t, patch)
	assert.Equal(t, "abc123", patch.Hash)
	assert.Equal(t, []string{"main.go"}, patch.Files)
}

func TestTurnFinalizeTextHook(t *testing.T) {
	store := newMemStore()
	open := scripted(
		provider.StartEvent{},
		provider.TextStartEvent{ID: "p1"},
		provider.TextDeltaEvent{ID: "p1", Text: "See the docs"},
		provider.TextEndEvent{ID: "p1"},
		provider.FinishEvent{Reason: "stop"},
	)
	tn := testTurn(store, open, "sess-hook")
	tn.finalizeText = func(_ context.Context, sessionID, messageID, partID, text string) string {
		return text + " [1]"
	}

	tn.run(context.Background())

	assert.Equal(t, "See the docs [1]", store.textPart(t, "p1").Text)
}
