package session

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/dzianisv/opencode/internal/provider"
	"github.com/dzianisv/opencode/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

const defaultTitle = "New Session"

func isDefaultTitle(title string) bool {
	return title == defaultTitle || strings.HasPrefix(title, defaultTitle)
}

// ensureTitle names a session after its first prompt. Best effort: any
// failure leaves the default title in place. Child sessions keep their
// parent-assigned titles.
func (s *Service) ensureTitle(ctx context.Context, session *types.Session, userContent string, prov provider.Provider, model *types.Model) {
	if session.ParentID != nil && *session.ParentID != "" {
		return
	}
	if !isDefaultTitle(session.Title) {
		return
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			schema.SystemMessage(titleSystemPrompt),
			schema.UserMessage("Generate a title for this conversation:\n\n" + userContent),
		},
		MaxTokens: 50,
	})
	if err != nil {
		s.log.Debug().Err(err).Str("sessionID", session.ID).Msg("title generation failed")
		return
	}
	defer stream.Close()

	var b strings.Builder
	for ev := range stream.Events() {
		if delta, ok := ev.(provider.TextDeltaEvent); ok {
			b.WriteString(delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		s.log.Debug().Err(err).Str("sessionID", session.ID).Msg("title generation failed")
		return
	}

	title := firstLine(b.String())
	if title == "" {
		return
	}
	if len(title) > 100 {
		title = title[:97] + "..."
	}

	_, err = s.Update(ctx, session.ID, func(sess *types.Session) {
		if isDefaultTitle(sess.Title) {
			sess.Title = title
		}
	})
	if err != nil {
		s.log.Debug().Err(err).Str("sessionID", session.ID).Msg("title update failed")
	}
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// refreshSummary recomputes the session's cumulative file-change summary
// against the snapshot taken before its first step. Fire and forget; it
// never fails the turn that triggered it.
func (s *Service) refreshSummary(ctx context.Context, sessionID string) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return
	}
	snaps, err := s.snapshots(session)
	if err != nil || snaps == nil {
		return
	}

	base, err := s.firstSnapshot(ctx, session)
	if err != nil || base == "" {
		return
	}

	diffs, err := snaps.Diff(ctx, base)
	if err != nil {
		s.log.Debug().Err(err).Str("sessionID", sessionID).Msg("summary diff failed")
		return
	}

	summary := types.SessionSummary{Files: len(diffs), Diffs: diffs}
	for _, d := range diffs {
		summary.Additions += d.Additions
		summary.Deletions += d.Deletions
	}

	if prev := session.Summary; prev != nil &&
		prev.Files == summary.Files &&
		prev.Additions == summary.Additions &&
		prev.Deletions == summary.Deletions {
		return
	}

	_, err = s.Update(ctx, sessionID, func(sess *types.Session) {
		sess.Summary = &summary
	})
	if err != nil {
		s.log.Debug().Err(err).Str("sessionID", sessionID).Msg("summary update failed")
	}
}

// firstSnapshot returns the working-tree state recorded before the
// session's first step, or empty when nothing was ever snapshotted.
func (s *Service) firstSnapshot(ctx context.Context, session *types.Session) (string, error) {
	messages, err := s.Messages(ctx, session.ID)
	if err != nil {
		return "", err
	}
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		parts, err := s.Parts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			if step, ok := part.(*types.StepStartPart); ok && step.Snapshot != "" {
				return step.Snapshot, nil
			}
		}
	}
	return "", nil
}
