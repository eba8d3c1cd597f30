package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/dzianisv/opencode/internal/permission"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/internal/tool"
	"github.com/dzianisv/opencode/pkg/types"
)

// maxSteps bounds the number of model round trips in one turn.
const maxSteps = 50

// Source is a live event stream for one turn attempt. Events ends by
// closing; Err then reports why (nil for natural completion). Close
// abandons the attempt.
type Source interface {
	Events() <-chan provider.StreamEvent
	Err() error
	Close()
}

// OpenStream opens a fresh attempt. The processor calls it once per
// connection, including after retryable failures.
type OpenStream func(ctx context.Context) (Source, error)

var errRunClosed = errors.New("run closed by consumer")

// runner drives full turns: provider round trips alternating with local
// tool execution, framed as a single event sequence. Distinct attempts
// at the same turn each get their own Run.
type runner struct {
	provider  provider.Provider
	model     *types.Model
	agent     *Agent
	tools     []tool.Tool
	toolByID  map[string]tool.Tool
	checker   *permission.Checker
	system    string
	history   []*schema.Message
	sessionID string
	messageID string
	workDir   string
	log       zerolog.Logger
}

func newRunner(p provider.Provider, model *types.Model, agent *Agent, tools []tool.Tool, checker *permission.Checker, system string, history []*schema.Message, sessionID, messageID, workDir string, log zerolog.Logger) *runner {
	byID := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byID[t.ID()] = t
	}
	return &runner{
		provider:  p,
		model:     model,
		agent:     agent,
		tools:     tools,
		toolByID:  byID,
		checker:   checker,
		system:    system,
		history:   history,
		sessionID: sessionID,
		messageID: messageID,
		workDir:   workDir,
		log:       log,
	}
}

// open starts a new attempt. Failures, including the initial connection,
// are reported through the Run's Err after its event channel closes.
func (r *runner) open(ctx context.Context) (Source, error) {
	run := &Run{
		events: make(chan provider.StreamEvent, 16),
		done:   make(chan struct{}),
	}
	go r.run(ctx, run)
	return run, nil
}

// Run is one attempt at a turn.
type Run struct {
	events chan provider.StreamEvent
	done   chan struct{}
	once   sync.Once
	err    error
}

// Events returns the event channel. It closes when the attempt ends.
func (run *Run) Events() <-chan provider.StreamEvent { return run.events }

// Err reports how the attempt ended. Valid only after Events is closed.
func (run *Run) Err() error { return run.err }

// Close abandons the attempt. Safe to call more than once.
func (run *Run) Close() {
	run.once.Do(func() { close(run.done) })
}

func (run *Run) emit(ev provider.StreamEvent) bool {
	select {
	case run.events <- ev:
		return true
	case <-run.done:
		return false
	}
}

func (r *runner) run(ctx context.Context, run *Run) {
	defer close(run.events)

	if !run.emit(provider.StartEvent{}) {
		return
	}

	conversation := make([]*schema.Message, len(r.history))
	copy(conversation, r.history)

	var total types.TokenUsage
	reason := "stop"

	for step := 0; step < maxSteps; step++ {
		if !run.emit(provider.StepStartEvent{}) {
			return
		}

		stream, err := r.provider.CreateCompletion(ctx, r.request(conversation))
		if err != nil {
			run.err = provider.ClassifyError(err)
			return
		}

		rt, err := r.forward(stream, run)
		if err != nil {
			if !errors.Is(err, errRunClosed) {
				run.err = err
			}
			return
		}

		reason = rt.reason
		total = addUsage(total, rt.usage)

		conversation = append(conversation, &schema.Message{
			Role:      schema.Assistant,
			Content:   rt.text.String(),
			ToolCalls: rt.calls,
		})

		if len(rt.calls) == 0 || !isToolUse(rt.reason) {
			if !run.emit(provider.StepFinishEvent{Reason: rt.reason, Usage: rt.usage}) {
				return
			}
			break
		}

		results, alive := r.executeTools(ctx, run, rt.calls)
		if !alive {
			return
		}
		conversation = append(conversation, results...)

		if !run.emit(provider.StepFinishEvent{Reason: rt.reason, Usage: rt.usage}) {
			return
		}
	}

	run.emit(provider.FinishEvent{Reason: reason, Usage: total})
}

// roundtrip accumulates what one model response contributes to the
// conversation.
type roundtrip struct {
	text   strings.Builder
	calls  []schema.ToolCall
	reason string
	usage  types.TokenUsage
}

// forward re-emits one provider stream, capturing the response text and
// committed tool calls. The round trip's FinishEvent is swallowed; the
// runner frames steps itself.
func (r *runner) forward(stream *provider.Stream, run *Run) (*roundtrip, error) {
	defer stream.Close()

	rt := &roundtrip{}
	for ev := range stream.Events() {
		switch e := ev.(type) {
		case provider.FinishEvent:
			rt.reason = e.Reason
			rt.usage = e.Usage
			continue
		case provider.TextDeltaEvent:
			rt.text.WriteString(e.Text)
		case provider.ToolCallEvent:
			rt.calls = append(rt.calls, schema.ToolCall{
				ID: e.CallID,
				Function: schema.FunctionCall{
					Name:      e.Tool,
					Arguments: string(e.Input),
				},
			})
		}
		if !run.emit(ev) {
			return nil, errRunClosed
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return rt, nil
}

// executeTools runs the round trip's calls in order, emitting a result
// or error event per call, and returns the tool-role messages for the
// next request. alive is false when the consumer closed the Run.
func (r *runner) executeTools(ctx context.Context, run *Run, calls []schema.ToolCall) (results []*schema.Message, alive bool) {
	for _, call := range calls {
		content, ok := r.executeTool(ctx, run, call)
		if !ok {
			return nil, false
		}
		results = append(results, &schema.Message{
			Role:       schema.Tool,
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	return results, true
}

func (r *runner) executeTool(ctx context.Context, run *Run, call schema.ToolCall) (string, bool) {
	name := call.Function.Name
	input := json.RawMessage(call.Function.Arguments)

	fail := func(err error) (string, bool) {
		r.log.Debug().Str("tool", name).Str("callID", call.ID).Err(err).Msg("tool failed")
		if !run.emit(provider.ToolErrorEvent{CallID: call.ID, Tool: name, Err: err}) {
			return "", false
		}
		return "Error: " + err.Error(), true
	}

	t, ok := r.toolByID[name]
	if !ok {
		return fail(fmt.Errorf("tool not found: %s", name))
	}

	if err := r.checkPermission(ctx, call, input); err != nil {
		return fail(err)
	}

	abort := make(chan struct{})
	stopAbort := context.AfterFunc(ctx, func() { close(abort) })
	defer stopAbort()

	toolCtx := &tool.Context{
		SessionID: r.sessionID,
		MessageID: r.messageID,
		CallID:    call.ID,
		Agent:     r.agent.Name,
		WorkDir:   r.workDir,
		AbortCh:   abort,
		Extra:     map[string]any{"model": r.model.ID},
		OnMetadata: func(title string, meta map[string]any) {
			run.emit(provider.ToolProgressEvent{CallID: call.ID, Tool: name, Title: title, Metadata: meta})
		},
	}

	result, err := t.Execute(ctx, input, toolCtx)
	if err != nil {
		return fail(err)
	}
	if result.Error != nil {
		return fail(result.Error)
	}

	if !run.emit(provider.ToolResultEvent{
		CallID:   call.ID,
		Tool:     name,
		Output:   result.Output,
		Title:    result.Title,
		Metadata: result.Metadata,
	}) {
		return "", false
	}
	return result.Output, true
}

// checkPermission gates side-effecting tools on the agent's policy
// before execution. Rejections come back as permission.RejectedError.
func (r *runner) checkPermission(ctx context.Context, call schema.ToolCall, input json.RawMessage) error {
	if r.checker == nil {
		return nil
	}

	var fields map[string]any
	_ = json.Unmarshal(input, &fields)
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	req := permission.Request{
		SessionID: r.sessionID,
		MessageID: r.messageID,
		CallID:    call.ID,
	}

	switch call.Function.Name {
	case "bash":
		req.Type = permission.PermBash
		command := str("command")
		req.Title = command
		action := permission.ActionAsk
		var commands []permission.BashCommand
		if parsed, err := permission.ParseBashCommand(command); err == nil && len(parsed) > 0 {
			commands = parsed
			action = permission.ActionAllow
			for _, cmd := range commands {
				action = strictest(action, permission.MatchBashPermission(cmd, r.agent.Permissions.Bash))
			}
			req.Pattern = permission.BuildPatterns(commands)
		}
		if err := r.checker.Check(ctx, req, action); err != nil {
			return err
		}
		return r.checkExternalPaths(ctx, call, commands, command)

	case "Write", "edit":
		req.Type = permission.PermEdit
		path := str("filePath")
		req.Title = fmt.Sprintf("%s %s", call.Function.Name, path)
		if path != "" {
			req.Pattern = []string{path}
		}
		return r.checker.Check(ctx, req, r.agent.Permissions.Edit)

	case "webfetch":
		req.Type = permission.PermWebFetch
		url := str("url")
		req.Title = "fetch " + url
		if url != "" {
			req.Pattern = []string{url}
		}
		return r.checker.Check(ctx, req, r.agent.Permissions.WebFetch)
	}

	return nil
}

// checkExternalPaths asks separately when a file-modifying command
// reaches outside the working directory. The bash rules cover what the
// command is, this covers where it acts.
func (r *runner) checkExternalPaths(ctx context.Context, call schema.ToolCall, commands []permission.BashCommand, command string) error {
	if r.workDir == "" {
		return nil
	}
	var external []string
	for _, cmd := range commands {
		if !permission.IsDangerousCommand(cmd.Name) {
			continue
		}
		for _, path := range permission.ExtractPaths(cmd) {
			resolved, err := permission.ResolvePath(path, r.workDir)
			if err != nil || permission.IsWithinDir(resolved, r.workDir) {
				continue
			}
			external = append(external, resolved)
		}
	}
	if len(external) == 0 {
		return nil
	}
	return r.checker.Check(ctx, permission.Request{
		SessionID: r.sessionID,
		MessageID: r.messageID,
		CallID:    call.ID,
		Type:      permission.PermExternalDir,
		Pattern:   external,
		Title:     fmt.Sprintf("%s touches paths outside %s", command, r.workDir),
	}, r.agent.Permissions.ExternalDir)
}

// strictest keeps the most restrictive of two actions: deny > ask > allow.
func strictest(a, b permission.PermissionAction) permission.PermissionAction {
	rank := func(action permission.PermissionAction) int {
		switch action {
		case permission.ActionDeny:
			return 2
		case permission.ActionAsk:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func (r *runner) request(conversation []*schema.Message) *provider.CompletionRequest {
	messages := make([]*schema.Message, 0, len(conversation)+1)
	if r.system != "" {
		messages = append(messages, schema.SystemMessage(r.system))
	}
	messages = append(messages, conversation...)

	infos := make([]provider.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, provider.ToolInfo{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}

	req := &provider.CompletionRequest{
		Model:     r.model.ID,
		Messages:  messages,
		Tools:     provider.ConvertToEinoTools(infos),
		MaxTokens: r.model.MaxOutputTokens,
	}
	if r.agent.Temperature != nil {
		req.Temperature = *r.agent.Temperature
	} else if r.model.Options.Temperature != nil {
		req.Temperature = *r.model.Options.Temperature
	}
	if r.agent.TopP != nil {
		req.TopP = *r.agent.TopP
	}
	return req
}

func isToolUse(reason string) bool {
	switch reason {
	case "tool_use", "tool_calls", "tool-calls":
		return true
	default:
		return false
	}
}

func addUsage(a, b types.TokenUsage) types.TokenUsage {
	a.Input += b.Input
	a.Output += b.Output
	a.Reasoning += b.Reasoning
	a.Cache.Read += b.Cache.Read
	a.Cache.Write += b.Cache.Write
	return a
}
