package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dzianisv/opencode/internal/session"
	"github.com/dzianisv/opencode/pkg/types"
)

// MessageResponse pairs a message with its parts.
type MessageResponse struct {
	Info  *types.Message `json:"info"`
	Parts []types.Part   `json:"parts"`
}

// PartInput is one element of a prompt's parts array. Only text parts
// are accepted from clients.
type PartInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PostMessageRequest is the body of POST /session/{sessionID}/message.
// Content and Parts are alternatives; Parts wins when both are set.
type PostMessageRequest struct {
	Content string          `json:"content,omitempty"`
	Parts   []PartInput     `json:"parts,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Model   *types.ModelRef `json:"model,omitempty"`
}

// text joins the request's text content into one prompt string.
func (r *PostMessageRequest) text() string {
	if len(r.Parts) == 0 {
		return r.Content
	}
	var b strings.Builder
	for _, part := range r.Parts {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := s.sessions.Messages(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	responses := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		parts, err := s.sessions.Parts(r.Context(), msg.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if parts == nil {
			parts = []types.Part{}
		}
		responses = append(responses, MessageResponse{Info: msg, Parts: parts})
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	msg, err := s.sessions.GetMessage(r.Context(), sessionID, messageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	parts, err := s.sessions.Parts(r.Context(), messageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if parts == nil {
		parts = []types.Part{}
	}
	writeJSON(w, http.StatusOK, MessageResponse{Info: msg, Parts: parts})
}

// postMessage runs a prompt to completion and returns the final
// assistant message. Streaming consumers watch /event while this
// request is in flight.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "invalid JSON body")
		return
	}
	text := req.text()
	if text == "" {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "message text is required")
		return
	}

	assistant, err := s.sessions.Prompt(r.Context(), sessionID, session.Input{
		Text:  text,
		Agent: req.Agent,
		Model: req.Model,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	parts, err := s.sessions.Parts(r.Context(), assistant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if parts == nil {
		parts = []types.Part{}
	}
	writeJSON(w, http.StatusOK, MessageResponse{Info: assistant, Parts: parts})
}
