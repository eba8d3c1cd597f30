package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/dzianisv/opencode/internal/config"
	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/pkg/types"
)

// maxAutoCompactions bounds compaction cycles within one prompt so a
// model whose context never fits cannot spin forever.
const maxAutoCompactions = 5

// Input is one user prompt against a session.
type Input struct {
	Text  string
	Agent string
	Model *types.ModelRef
}

// Prompt appends a user message and drives assistant turns until the
// conversation settles. Prompts against a busy session queue behind the
// running one. The returned message is the last assistant reply.
func (s *Service) Prompt(ctx context.Context, sessionID string, input Input) (*types.Message, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	runCtx, release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	agent := s.resolveAgent(session, input.Agent)
	prov, model, err := s.resolveModel(input.Model)
	if err != nil {
		return nil, err
	}

	first, err := s.isFirstPrompt(runCtx, sessionID)
	if err != nil {
		return nil, err
	}

	userMsg := &types.Message{
		ID:        generateID(),
		SessionID: sessionID,
		Role:      "user",
		Agent:     agent.Name,
		Model:     &types.ModelRef{ProviderID: model.ProviderID, ModelID: model.ID},
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := s.AddMessage(runCtx, userMsg); err != nil {
		return nil, err
	}
	userPart := &types.TextPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      input.Text,
	}
	if err := s.UpdatePart(runCtx, userPart, ""); err != nil {
		return nil, err
	}

	if first {
		go s.ensureTitle(context.WithoutCancel(runCtx), session, input.Text, prov, model)
	}

	var assistant *types.Message
	parentID := userMsg.ID
	compactions := 0

	for {
		outcome, msg, err := s.processTurn(runCtx, session, parentID, agent, prov, model)
		if err != nil {
			return assistant, err
		}
		assistant = msg

		switch outcome {
		case turnCompact:
			if compactions >= maxAutoCompactions {
				s.log.Warn().Str("sessionID", sessionID).Msg("compaction limit reached, stopping")
				return assistant, nil
			}
			compactions++
			continueMsg, err := s.compact(runCtx, session, agent, prov, model, true)
			if err != nil {
				s.log.Warn().Err(err).Str("sessionID", sessionID).Msg("compaction failed")
				return assistant, nil
			}
			parentID = continueMsg.ID

		case turnContinue:
			// The runner stops at its step ceiling even when the model
			// still wants tools; give it a fresh turn in that case.
			if assistant.Finish != nil && isToolUse(*assistant.Finish) {
				continue
			}
			go s.refreshSummary(context.WithoutCancel(runCtx), sessionID)
			return assistant, nil

		default:
			go s.refreshSummary(context.WithoutCancel(runCtx), sessionID)
			return assistant, nil
		}
	}
}

// processTurn runs a single assistant turn and returns its outcome.
func (s *Service) processTurn(ctx context.Context, session *types.Session, parentID string, agent *Agent, prov provider.Provider, model *types.Model) (turnOutcome, *types.Message, error) {
	history, err := s.history(ctx, session)
	if err != nil {
		return turnStop, nil, err
	}

	assistant := &types.Message{
		ID:         generateID(),
		SessionID:  session.ID,
		Role:       "assistant",
		ParentID:   parentID,
		ModelID:    model.ID,
		ProviderID: model.ProviderID,
		Mode:       agent.Name,
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Time: types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := s.AddMessage(ctx, assistant); err != nil {
		return turnStop, nil, err
	}

	tools := s.resolveTools(agent)
	system := SystemPrompt(s.config, prov.ID(), model, agent, session.Directory)

	runner := newRunner(prov, model, agent, tools, s.checker, system, history, session.ID, assistant.ID, session.Directory, s.log)

	var snaps Snapshotter
	if sn, err := s.snapshots(session); err == nil && sn != nil {
		snaps = sn
	} else if err != nil {
		s.log.Debug().Err(err).Msg("snapshots unavailable")
	}

	turn := newTurn(s, runner.open, assistant, model, agent, s.checker, snaps, s.log)
	turn.finalizeText = s.TextHook
	turn.inputEstimate = estimateTokens(system) + estimateMessages(history)
	turn.summarize = func(sessionID, messageID string) {
		go s.refreshSummary(context.WithoutCancel(ctx), sessionID)
	}

	outcome := turn.run(ctx)
	return outcome, assistant, nil
}

// history converts the live part of the conversation into provider
// messages: everything after the last summary, minus reverted history.
func (s *Service) history(ctx context.Context, session *types.Session) ([]*schema.Message, error) {
	messages, err := s.liveMessages(ctx, session)
	if err != nil {
		return nil, err
	}

	parts := make(map[string][]types.Part, len(messages))
	for _, msg := range messages {
		p, err := s.Parts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		parts[msg.ID] = p
	}

	return provider.ConvertToEinoMessages(messages, parts), nil
}

// resolveAgent picks the agent profile for a prompt, falling back to the
// build profile.
func (s *Service) resolveAgent(session *types.Session, name string) *Agent {
	dirs := []string{filepath.Join(config.GetPaths().Config, "agents")}
	if session.Directory != "" {
		dirs = append(dirs, filepath.Join(session.Directory, ".opencode", "agents"))
	}
	agents := Agents(s.config, dirs...)

	if name != "" {
		if agent, ok := agents[name]; ok {
			return agent
		}
		s.log.Debug().Str("agent", name).Msg("unknown agent, using build")
	}
	if agent, ok := agents["build"]; ok {
		return agent
	}
	return buildAgent()
}

// resolveModel picks the provider and model for a prompt: explicit
// reference first, then the configured default.
func (s *Service) resolveModel(ref *types.ModelRef) (provider.Provider, *types.Model, error) {
	var model *types.Model
	var err error

	if ref != nil {
		model, err = s.registry.GetModel(ref.ProviderID, ref.ModelID)
	} else {
		model, err = s.registry.DefaultModel()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve model: %w", err)
	}

	prov, err := s.registry.Get(model.ProviderID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve provider: %w", err)
	}
	return prov, model, nil
}

// isFirstPrompt reports whether a session has no user messages yet.
func (s *Service) isFirstPrompt(ctx context.Context, sessionID string) (bool, error) {
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, msg := range messages {
		if msg.Role == "user" {
			return false, nil
		}
	}
	return true, nil
}

// acquire claims the session's prompt slot, queueing behind a running
// prompt. The returned context is cancelled by Abort; release frees the
// slot and wakes queued prompts.
func (s *Service) acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	for {
		s.mu.Lock()
		current, busy := s.active[sessionID]
		if !busy {
			runCtx, cancel := context.WithCancel(ctx)
			entry := &activePrompt{cancel: cancel}
			s.active[sessionID] = entry
			s.mu.Unlock()

			release := func() {
				cancel()
				s.mu.Lock()
				delete(s.active, sessionID)
				for _, waiter := range entry.waiters {
					close(waiter)
				}
				s.mu.Unlock()

				event.Publish(event.Event{
					Type: event.SessionStatus,
					Data: event.SessionStatusData{
						SessionID: sessionID,
						Status:    types.SessionStatus{Type: types.SessionIdle},
					},
				})
			}
			return runCtx, release, nil
		}

		waiter := make(chan struct{})
		current.waiters = append(current.waiters, waiter)
		s.mu.Unlock()

		select {
		case <-waiter:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Abort cancels the prompt running against a session. Queued prompts
// proceed once the active one unwinds.
func (s *Service) Abort(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.active[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}
	entry.cancel()
	return nil
}

// Busy reports whether a session has a prompt in flight.
func (s *Service) Busy(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// joinTextParts concatenates the text parts of a message, used when a
// plain-text rendering of a message is needed.
func joinTextParts(parts []types.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if tp, ok := part.(*types.TextPart); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}
