package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/pkg/types"
)

// CompactionConfig controls when and how conversations are summarized.
type CompactionConfig struct {
	// SummaryMaxTokens caps the summary completion.
	SummaryMaxTokens int
	// ContextThreshold is the fraction of the model's input budget
	// (context window minus output reservation) that triggers compaction.
	ContextThreshold float64
	// OutputReservation is assumed for models that do not declare a
	// maximum output size.
	OutputReservation int
}

// DefaultCompactionConfig is the compaction policy applied to all
// sessions.
var DefaultCompactionConfig = CompactionConfig{
	SummaryMaxTokens:  2000,
	ContextThreshold:  0.9,
	OutputReservation: 4096,
}

// isOverflow reports whether accumulated usage no longer fits the model's
// input budget. Models without a declared context window never overflow.
func isOverflow(tokens types.TokenUsage, model *types.Model) bool {
	if model == nil || model.ContextLength <= 0 {
		return false
	}
	output := model.MaxOutputTokens
	if output <= 0 {
		output = DefaultCompactionConfig.OutputReservation
	}
	budget := float64(model.ContextLength-output) * DefaultCompactionConfig.ContextThreshold
	return float64(tokens.Total()) > budget
}

// compactionSystemPrompt primes the model for summarization.
const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// compactionInstruction closes the summary request.
const compactionInstruction = "\n\nSummarize our conversation above. This summary will be the only context available when the conversation continues, so preserve critical information: what was accomplished, current work in progress, files involved, next steps, and any key user requests or constraints."

// continuePromptText is injected after an automatic compaction so the
// model picks its work back up.
const continuePromptText = "Continue if you have next steps"

// Summarize compacts a session on demand: the live history is replaced
// by a summary message. Queues behind a running prompt.
func (s *Service) Summarize(ctx context.Context, sessionID string) (*types.Message, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	runCtx, release, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	agent := s.resolveAgent(session, "")
	prov, model, err := s.resolveModel(nil)
	if err != nil {
		return nil, err
	}
	return s.compact(runCtx, session, agent, prov, model, false)
}

// compact streams a summary of the live history into a new assistant
// message flagged as a summary; later turns rebuild their context from
// that point. When auto is set, a synthetic user message asking the
// model to continue is appended and returned instead of the summary.
func (s *Service) compact(ctx context.Context, session *types.Session, agent *Agent, prov provider.Provider, model *types.Model, auto bool) (*types.Message, error) {
	now := time.Now().UnixMilli()
	if _, err := s.Update(ctx, session.ID, func(sess *types.Session) {
		sess.Time.Compacting = &now
	}); err != nil {
		return nil, err
	}
	defer func() {
		_, err := s.Update(context.WithoutCancel(ctx), session.ID, func(sess *types.Session) {
			sess.Time.Compacting = nil
		})
		if err != nil {
			s.log.Debug().Err(err).Msg("clearing compacting flag failed")
		}
	}()

	prompt, err := s.summaryPrompt(ctx, session)
	if err != nil {
		return nil, err
	}

	summaryMsg := &types.Message{
		ID:         generateID(),
		SessionID:  session.ID,
		Role:       "assistant",
		ModelID:    model.ID,
		ProviderID: model.ProviderID,
		Mode:       agent.Name,
		Summary:    true,
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := s.AddMessage(ctx, summaryMsg); err != nil {
		return nil, err
	}

	open := func(ctx context.Context) (Source, error) {
		stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
			Model: model.ID,
			Messages: []*schema.Message{
				schema.SystemMessage(compactionSystemPrompt),
				schema.UserMessage(prompt),
			},
			MaxTokens: DefaultCompactionConfig.SummaryMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		return stream, nil
	}

	// The summary is a plain completion: no tools, no snapshots, but the
	// same streaming, flushing and retry machinery as a normal turn.
	turn := newTurn(s, open, summaryMsg, model, agent, nil, nil, s.log)
	turn.run(ctx)

	if summaryMsg.Error != nil {
		return nil, fmt.Errorf("summarization failed: %s", summaryMsg.Error.Data.Message)
	}

	event.Publish(event.Event{
		Type: event.SessionCompacted,
		Data: event.SessionCompactedData{
			SessionID: session.ID,
			MessageID: summaryMsg.ID,
		},
	})

	if !auto {
		return summaryMsg, nil
	}

	continueMsg := &types.Message{
		ID:        generateID(),
		SessionID: session.ID,
		Role:      "user",
		Agent:     agent.Name,
		Model:     &types.ModelRef{ProviderID: model.ProviderID, ModelID: model.ID},
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := s.AddMessage(ctx, continueMsg); err != nil {
		return nil, err
	}
	continuePart := &types.TextPart{
		ID:        generatePartID(),
		SessionID: session.ID,
		MessageID: continueMsg.ID,
		Type:      "text",
		Text:      continuePromptText,
	}
	if err := s.UpdatePart(ctx, continuePart, ""); err != nil {
		return nil, err
	}
	return continueMsg, nil
}

// summaryPrompt renders the live history as plain text for the
// summarizer.
func (s *Service) summaryPrompt(ctx context.Context, session *types.Session) (string, error) {
	messages, err := s.liveMessages(ctx, session)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Please summarize the following conversation.\n\n---\n\n")

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			b.WriteString("USER:\n")
		default:
			b.WriteString("ASSISTANT:\n")
		}

		parts, err := s.Parts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			switch p := part.(type) {
			case *types.TextPart:
				b.WriteString(p.Text)
				b.WriteString("\n")
			case *types.ToolPart:
				fmt.Fprintf(&b, "[Tool: %s]\n", p.Tool)
				if out := p.State.Output; out != "" {
					b.WriteString(truncateOutput(out, 500))
					b.WriteString("\n")
				}
			}
		}
		b.WriteString("\n")
	}

	b.WriteString(compactionInstruction)
	return b.String(), nil
}

// liveMessages returns the messages still in the model's context: those
// after the last summary, minus reverted history.
// truncateOutput caps a tool output at limit bytes, backing up to a
// rune boundary so the cut never splits a multi-byte character.
func truncateOutput(out string, limit int) string {
	if len(out) <= limit {
		return out
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}

func (s *Service) liveMessages(ctx context.Context, session *types.Session) ([]*types.Message, error) {
	messages, err := s.Messages(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	if session.Revert != nil {
		for i, msg := range messages {
			if msg.ID == session.Revert.MessageID {
				messages = messages[:i]
				break
			}
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Summary {
			messages = messages[i:]
			break
		}
	}
	return messages, nil
}
