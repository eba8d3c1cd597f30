package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/snapshot"
	"github.com/dzianisv/opencode/pkg/types"
)

const (
	// partFlushInterval bounds how often buffered text deltas are
	// persisted and broadcast, independent of token rate.
	partFlushInterval = 50 * time.Millisecond
	// streamIdleTimeout is the inactivity deadline between stream events.
	streamIdleTimeout = 60 * time.Second
	// toolIdleTimeout replaces streamIdleTimeout while a tool call is in
	// flight: arguments still buffering upstream, or a dispatched call
	// executing locally with nothing on the wire until its result.
	toolIdleTimeout = 5 * time.Minute
)

// turnOutcome is the terminal disposition of one processed turn.
type turnOutcome string

const (
	turnContinue turnOutcome = "continue"
	turnStop     turnOutcome = "stop"
	turnCompact  turnOutcome = "compact"
)

// errTurnEnded aborts event consumption without failing the turn; the
// flags set before returning it decide the outcome.
var errTurnEnded = errors.New("turn ended early")

// Store is the persistence surface a turn writes through. Implementations
// upsert and broadcast in one call; a non-empty delta marks the update as
// a streaming flush carrying only the appended text.
type Store interface {
	UpdateMessage(ctx context.Context, msg *types.Message) error
	UpdatePart(ctx context.Context, part types.Part, delta string) error
	Parts(ctx context.Context, messageID string) ([]types.Part, error)
}

// Snapshotter captures working-tree checkpoints so turns can record what
// they changed.
type Snapshotter interface {
	Track(ctx context.Context) (string, error)
	Patch(ctx context.Context, since string) (*snapshot.Patch, error)
}

// turn drives one assistant message from stream open to a terminal
// outcome. It owns the message and its parts exclusively while running;
// the ledger, flush buffer and retry state die with it.
type turn struct {
	store   Store
	open    OpenStream
	message *types.Message
	model   *types.Model
	agent   *Agent
	checker *permission.Checker
	snaps   Snapshotter
	log     zerolog.Logger

	// summarize is fired after each completed step; it must detach and
	// swallow its own failures.
	summarize func(sessionID, messageID string)
	// finalizeText may rewrite a text part's content before it is
	// persisted for the last time.
	finalizeText func(ctx context.Context, sessionID, messageID, partID, text string) string

	baseDeadline time.Duration
	toolDeadline time.Duration

	// inputEstimate approximates the request's token footprint; it backs
	// the overflow check when the provider reports no usage.
	inputEstimate int

	ledger *toolLedger
	buffer *flushBuffer
	retry  *retryPolicy

	// inputStreaming and toolRunning mirror the ledger's pending-input
	// and running-call state for the watchdog goroutine; the ledger
	// itself is not safe to read there.
	inputStreaming atomic.Bool
	toolRunning    atomic.Bool

	// parts holds text and reasoning parts still growing, keyed by part ID.
	parts map[string]types.Part

	snapshotID      string
	needsCompaction bool
	blocked         bool
}

func newTurn(store Store, open OpenStream, msg *types.Message, model *types.Model, agent *Agent, checker *permission.Checker, snaps Snapshotter, log zerolog.Logger) *turn {
	t := &turn{
		store:        store,
		open:         open,
		message:      msg,
		model:        model,
		agent:        agent,
		checker:      checker,
		snaps:        snaps,
		log:          log.With().Str("sessionID", msg.SessionID).Str("messageID", msg.ID).Logger(),
		baseDeadline: streamIdleTimeout,
		toolDeadline: toolIdleTimeout,
		ledger:       newToolLedger(),
		retry:        newRetryPolicy(),
		parts:        make(map[string]types.Part),
	}
	t.buffer = newFlushBuffer(partFlushInterval, t.flushPart)
	return t
}

// flushPart pushes a throttled snapshot of a growing part to the store.
func (t *turn) flushPart(ctx context.Context, partID, full, delta string) error {
	part, ok := t.parts[partID]
	if !ok {
		return nil
	}
	switch p := part.(type) {
	case *types.TextPart:
		p.Text = full
	case *types.ReasoningPart:
		p.Text = full
	}
	return t.store.UpdatePart(ctx, part, delta)
}

// run processes the turn to completion. Stream failures are consumed
// here; the only trace they leave is the message's error field and the
// published events.
func (t *turn) run(ctx context.Context) turnOutcome {
	t.setStatus(types.SessionStatus{Type: types.SessionBusy})

	for {
		err := t.attempt(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || provider.IsAborted(err) {
			t.abort()
			break
		}

		decision := t.retry.next(err)
		if decision.terminal != nil {
			t.fail(decision.terminal)
			break
		}

		t.log.Debug().Err(err).Int("attempt", decision.attempt).Dur("wait", decision.wait).Msg("retrying stream")
		t.setStatus(types.SessionStatus{
			Type:    types.SessionRetry,
			Attempt: decision.attempt,
			Limit:   decision.limit,
			Message: err.Error(),
			Next:    time.Now().Add(decision.wait).UnixMilli(),
		})
		if !t.sleep(ctx, decision.wait) {
			t.abort()
			break
		}
		t.setStatus(types.SessionStatus{Type: types.SessionBusy})
	}

	t.finalize(ctx)
	return t.outcome()
}

// attempt consumes one stream connection. A nil return means the turn
// needs no further attempts: the stream completed, or a flag was set
// that ends the turn.
func (t *turn) attempt(ctx context.Context) error {
	source, err := t.open(ctx)
	if err != nil {
		return err
	}
	defer source.Close()

	// The watchdog gets its own context so an attempt that ends while
	// the forward channel is mid-handoff releases it immediately.
	wctx, stop := context.WithCancel(ctx)
	defer stop()

	dog := newWatchdog(wctx, source.Events(), t.deadline)
	events := dog.Events()

	for {
		// The caller's cancellation outranks the watchdog's timeout.
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-t.buffer.due():
			if err := t.buffer.flushAll(ctx); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				if err := dog.Err(); err != nil {
					return err
				}
				return source.Err()
			}
			if err := t.handle(ctx, ev); err != nil {
				if errors.Is(err, errTurnEnded) {
					return nil
				}
				return err
			}
		}
	}
}

// deadline is consulted by the watchdog before every wait. It runs on
// the watchdog's goroutine, so it must not touch the ledger.
func (t *turn) deadline() time.Duration {
	if t.inputStreaming.Load() || t.toolRunning.Load() {
		return t.toolDeadline
	}
	return t.baseDeadline
}

// syncToolState republishes the ledger's state through the atomics the
// watchdog reads.
func (t *turn) syncToolState() {
	t.inputStreaming.Store(t.ledger.inputPending())
	t.toolRunning.Store(t.ledger.running())
}

func (t *turn) handle(ctx context.Context, ev provider.StreamEvent) error {
	switch e := ev.(type) {
	case provider.StartEvent:
		return nil

	case provider.StepStartEvent:
		return t.startStep(ctx)

	case provider.StepFinishEvent:
		return t.finishStep(ctx, e)

	case provider.TextStartEvent:
		return t.startText(ctx, e.ID)

	case provider.TextDeltaEvent:
		return t.appendText(ctx, e.ID, e.Text)

	case provider.TextEndEvent:
		return t.endText(ctx, e.ID)

	case provider.ReasoningStartEvent:
		return t.startReasoning(ctx, e.ID)

	case provider.ReasoningDeltaEvent:
		return t.appendReasoning(ctx, e.ID, e.Text)

	case provider.ReasoningEndEvent:
		return t.endReasoning(ctx, e.ID)

	case provider.ToolInputStartEvent:
		part := t.ledger.onInputStart(t.message.SessionID, t.message.ID, e.CallID, e.Tool)
		t.syncToolState()
		return t.store.UpdatePart(ctx, part, "")

	case provider.ToolInputDeltaEvent, provider.ToolInputEndEvent:
		// Raw argument text is not retained; only the committed input
		// on the tool-call event matters.
		return nil

	case provider.ToolCallEvent:
		// Calls can arrive without a preceding input-start when the
		// provider commits arguments in one piece.
		t.ledger.onInputStart(t.message.SessionID, t.message.ID, e.CallID, e.Tool)
		part := t.ledger.onToolCall(e.CallID, e.Input)
		t.syncToolState()
		if part == nil {
			return nil
		}
		if err := t.store.UpdatePart(ctx, part, ""); err != nil {
			return err
		}
		return t.checkDoomLoop(ctx, part)

	case provider.ToolProgressEvent:
		if part := t.ledger.onProgress(e.CallID, e.Title, e.Metadata); part != nil {
			return t.store.UpdatePart(ctx, part, "")
		}
		return nil

	case provider.ToolResultEvent:
		if part := t.ledger.onToolResult(e.CallID, e.Output, e.Title, e.Metadata); part != nil {
			t.syncToolState()
			return t.store.UpdatePart(ctx, part, "")
		}
		return nil

	case provider.ToolErrorEvent:
		return t.toolError(ctx, e)

	case provider.FinishEvent:
		return t.finish(ctx, e)

	case provider.ErrorEvent:
		return e.Err

	default:
		t.log.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("skipping unknown stream event")
		return nil
	}
}

func (t *turn) startStep(ctx context.Context) error {
	if t.snaps != nil {
		hash, err := t.snaps.Track(ctx)
		if err != nil {
			t.log.Debug().Err(err).Msg("snapshot track failed")
		} else {
			t.snapshotID = hash
		}
	}
	part := &types.StepStartPart{
		ID:        generatePartID(),
		SessionID: t.message.SessionID,
		MessageID: t.message.ID,
		Type:      "step-start",
		Snapshot:  t.snapshotID,
	}
	return t.store.UpdatePart(ctx, part, "")
}

func (t *turn) finishStep(ctx context.Context, e provider.StepFinishEvent) error {
	if err := t.patchSnapshot(ctx); err != nil {
		t.log.Debug().Err(err).Msg("snapshot patch failed")
	}

	cost := t.addUsage(e.Usage)
	part := &types.StepFinishPart{
		ID:        generatePartID(),
		SessionID: t.message.SessionID,
		MessageID: t.message.ID,
		Type:      "step-finish",
		Reason:    e.Reason,
		Cost:      cost,
		Tokens:    e.Usage,
	}
	if err := t.store.UpdatePart(ctx, part, ""); err != nil {
		return err
	}
	if err := t.store.UpdateMessage(ctx, t.message); err != nil {
		return err
	}

	if t.summarize != nil {
		t.summarize(t.message.SessionID, t.message.ID)
	}

	tokens := types.TokenUsage{}
	if t.message.Tokens != nil {
		tokens = *t.message.Tokens
	}
	if tokens.Total() == 0 && t.inputEstimate > 0 {
		tokens.Input = t.inputEstimate
	}
	if isOverflow(tokens, t.model) {
		t.needsCompaction = true
		return errTurnEnded
	}
	return nil
}

// addUsage folds one step's usage into the message and returns the cost
// of that step alone. Message cost and tokens only ever grow.
func (t *turn) addUsage(usage types.TokenUsage) float64 {
	if t.message.Tokens == nil {
		t.message.Tokens = &types.TokenUsage{}
	}
	t.message.Tokens.Input += usage.Input
	t.message.Tokens.Output += usage.Output
	t.message.Tokens.Reasoning += usage.Reasoning
	t.message.Tokens.Cache.Read += usage.Cache.Read
	t.message.Tokens.Cache.Write += usage.Cache.Write

	cost := stepCost(usage, t.model)
	t.message.Cost += cost
	return cost
}

func stepCost(usage types.TokenUsage, model *types.Model) float64 {
	if model == nil {
		return 0
	}
	in := float64(usage.Input+usage.Cache.Read+usage.Cache.Write) * model.InputPrice
	out := float64(usage.Output+usage.Reasoning) * model.OutputPrice
	return (in + out) / 1e6
}

func (t *turn) patchSnapshot(ctx context.Context) error {
	if t.snaps == nil || t.snapshotID == "" {
		return nil
	}
	since := t.snapshotID
	t.snapshotID = ""

	patch, err := t.snaps.Patch(ctx, since)
	if err != nil {
		return err
	}
	if patch == nil || len(patch.Files) == 0 {
		return nil
	}
	part := &types.PatchPart{
		ID:        generatePartID(),
		SessionID: t.message.SessionID,
		MessageID: t.message.ID,
		Type:      "patch",
		Hash:      patch.Hash,
		Files:     patch.Files,
	}
	return t.store.UpdatePart(ctx, part, "")
}

func (t *turn) startText(ctx context.Context, id string) error {
	if _, ok := t.parts[id]; ok {
		return nil
	}
	now := time.Now().UnixMilli()
	part := &types.TextPart{
		ID:        id,
		SessionID: t.message.SessionID,
		MessageID: t.message.ID,
		Type:      "text",
		Time:      types.PartTime{Start: &now},
	}
	t.parts[id] = part
	return t.store.UpdatePart(ctx, part, "")
}

func (t *turn) appendText(ctx context.Context, id, text string) error {
	if _, ok := t.parts[id]; !ok {
		if err := t.startText(ctx, id); err != nil {
			return err
		}
	}
	t.buffer.append(id, text)
	return nil
}

func (t *turn) endText(ctx context.Context, id string) error {
	part, ok := t.parts[id].(*types.TextPart)
	if !ok {
		return nil
	}
	delete(t.parts, id)

	if full, buffered := t.buffer.finalize(id); buffered {
		part.Text = full
	}
	part.Text = strings.TrimSpace(part.Text)
	if t.finalizeText != nil {
		part.Text = t.finalizeText(ctx, t.message.SessionID, t.message.ID, id, part.Text)
	}
	now := time.Now().UnixMilli()
	part.Time.End = &now
	return t.store.UpdatePart(ctx, part, "")
}

func (t *turn) startReasoning(ctx context.Context, id string) error {
	if _, ok := t.parts[id]; ok {
		return nil
	}
	now := time.Now().UnixMilli()
	part := &types.ReasoningPart{
		ID:        id,
		SessionID: t.message.SessionID,
		MessageID: t.message.ID,
		Type:      "reasoning",
		Time:      types.PartTime{Start: &now},
	}
	t.parts[id] = part
	return t.store.UpdatePart(ctx, part, "")
}

func (t *turn) appendReasoning(ctx context.Context, id, text string) error {
	if _, ok := t.parts[id]; !ok {
		if err := t.startReasoning(ctx, id); err != nil {
			return err
		}
	}
	t.buffer.append(id, text)
	return nil
}

func (t *turn) endReasoning(ctx context.Context, id string) error {
	part, ok := t.parts[id].(*types.ReasoningPart)
	if !ok {
		return nil
	}
	delete(t.parts, id)

	if full, buffered := t.buffer.finalize(id); buffered {
		part.Text = full
	}
	part.Text = strings.TrimSpace(part.Text)
	now := time.Now().UnixMilli()
	part.Time.End = &now
	return t.store.UpdatePart(ctx, part, "")
}

func (t *turn) toolError(ctx context.Context, e provider.ToolErrorEvent) error {
	message := "unknown tool error"
	if e.Err != nil {
		message = e.Err.Error()
	}
	if part := t.ledger.onToolError(e.CallID, message); part != nil {
		t.syncToolState()
		if err := t.store.UpdatePart(ctx, part, ""); err != nil {
			return err
		}
	}
	if permission.IsRejectedError(e.Err) && !t.continueOnDeny() {
		t.blocked = true
		return errTurnEnded
	}
	return nil
}

// checkDoomLoop escalates to an approval gate when the message's recent
// parts show the model repeating one identical tool call.
func (t *turn) checkDoomLoop(ctx context.Context, part *types.ToolPart) error {
	if t.checker == nil {
		return nil
	}
	parts, err := t.store.Parts(ctx, t.message.ID)
	if err != nil {
		return err
	}
	if !permission.DetectDoomLoop(parts, permission.DoomLoopThreshold) {
		return nil
	}

	req := permission.Request{
		Type:      permission.PermDoomLoop,
		SessionID: t.message.SessionID,
		MessageID: t.message.ID,
		CallID:    part.CallID,
		Pattern:   []string{part.Tool},
		Title:     fmt.Sprintf("%s called %d times with identical input", part.Tool, permission.DoomLoopThreshold),
		Metadata: map[string]any{
			"tool":  part.Tool,
			"input": string(part.State.Input),
		},
	}
	action := permission.ActionAsk
	if t.agent != nil {
		action = t.agent.Permissions.DoomLoop
	}
	if err := t.checker.Check(ctx, req, action); err != nil {
		if failed := t.ledger.onToolError(part.CallID, err.Error()); failed != nil {
			t.syncToolState()
			if perr := t.store.UpdatePart(ctx, failed, ""); perr != nil {
				return perr
			}
		}
		if !t.continueOnDeny() {
			t.blocked = true
			return errTurnEnded
		}
	}
	return nil
}

func (t *turn) continueOnDeny() bool {
	return t.agent != nil && t.agent.ContinueOnDeny
}

func (t *turn) finish(ctx context.Context, e provider.FinishEvent) error {
	reason := e.Reason
	t.message.Finish = &reason

	// Providers that only report totals at the end get accounted here;
	// step-level usage already folded in stays authoritative otherwise.
	current := 0
	if t.message.Tokens != nil {
		current = t.message.Tokens.Total()
	}
	if e.Usage.Total() > current {
		usage := e.Usage
		t.message.Tokens = &usage
		t.message.Cost = stepCost(usage, t.model)
	}

	if (reason == "length" || reason == "max_tokens") && t.message.Error == nil {
		t.message.Error = types.NewOutputLengthError()
	}
	return t.store.UpdateMessage(ctx, t.message)
}

// abort stamps the message as cancelled. The error slot is written at
// most once.
func (t *turn) abort() {
	if t.message.Error == nil {
		t.message.Error = types.NewAbortedError()
	}
}

// fail records a terminal stream error and broadcasts it.
func (t *turn) fail(err error) {
	t.log.Warn().Err(err).Msg("turn failed")
	if t.message.Error == nil {
		t.message.Error = messageError(err, t.message.ProviderID)
	}
	if provider.IsContextOverflow(err) {
		t.needsCompaction = true
	}
	event.Publish(event.Event{
		Type: event.SessionError,
		Data: event.SessionErrorData{
			SessionID: t.message.SessionID,
			Error:     t.message.Error,
		},
	})
}

// messageError maps a provider failure onto the message error taxonomy.
func messageError(err error, providerID string) *types.MessageError {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Kind == provider.ErrorKindAuth {
		return types.NewProviderAuthError(providerID, err.Error())
	}
	return types.NewUnknownError(err.Error())
}

// sleep waits out a retry delay. Returns false when the turn was
// cancelled mid-wait; the caller treats that as a silent abort.
func (t *turn) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// finalize runs on every exit path. It closes parts still streaming,
// materializes an outstanding snapshot diff, forces unresolved tool
// parts into an aborted error state and stamps the message complete.
// The turn's context may already be cancelled, so persistence runs on a
// detached one.
func (t *turn) finalize(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	for id, part := range t.parts {
		full, buffered := t.buffer.finalize(id)
		if !buffered {
			continue
		}
		switch p := part.(type) {
		case *types.TextPart:
			p.Text = strings.TrimSpace(full)
		case *types.ReasoningPart:
			p.Text = strings.TrimSpace(full)
		}
		if err := t.store.UpdatePart(ctx, part, ""); err != nil {
			t.log.Warn().Err(err).Str("partID", id).Msg("finalizing part failed")
		}
	}
	t.parts = make(map[string]types.Part)

	if err := t.patchSnapshot(ctx); err != nil {
		t.log.Debug().Err(err).Msg("snapshot patch failed")
	}

	if parts, err := t.store.Parts(ctx, t.message.ID); err == nil {
		now := time.Now().UnixMilli()
		for _, p := range parts {
			tp, ok := p.(*types.ToolPart)
			if !ok {
				continue
			}
			if tp.State.Status == types.ToolCompleted || tp.State.Status == types.ToolError {
				continue
			}
			tp.State.Status = types.ToolError
			tp.State.Error = "Tool execution aborted"
			tp.State.Time.Start = now
			tp.State.Time.End = now
			if err := t.store.UpdatePart(ctx, tp, ""); err != nil {
				t.log.Warn().Err(err).Str("partID", tp.ID).Msg("aborting tool part failed")
			}
		}
	} else {
		t.log.Warn().Err(err).Msg("listing parts for finalization failed")
	}

	now := time.Now().UnixMilli()
	t.message.Time.Completed = &now
	if err := t.store.UpdateMessage(ctx, t.message); err != nil {
		t.log.Warn().Err(err).Msg("persisting final message failed")
	}
}

// outcome ranks the turn's terminal flags: compaction wins, then any
// stop condition, then continue.
func (t *turn) outcome() turnOutcome {
	switch {
	case t.needsCompaction:
		return turnCompact
	case t.blocked:
		return turnStop
	case t.message.Error != nil:
		return turnStop
	default:
		return turnContinue
	}
}

func (t *turn) setStatus(status types.SessionStatus) {
	event.Publish(event.Event{
		Type: event.SessionStatus,
		Data: event.SessionStatusData{
			SessionID: t.message.SessionID,
			Status:    status,
		},
	})
}
