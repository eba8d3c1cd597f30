package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dzianisv/opencode/pkg/types"
)

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	Directory string  `json:"directory"`
	Title     string  `json:"title,omitempty"`
	ParentID  *string `json:"parentID,omitempty"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	// No directory filter lists every project's sessions.
	directory := r.URL.Query().Get("directory")

	sessions, err := s.sessions.List(r.Context(), directory)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "invalid JSON body")
		return
	}

	directory := req.Directory
	if directory == "" {
		directory = s.config.Directory
	}
	if directory == "" {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "directory is required")
		return
	}

	created, err := s.sessions.Create(r.Context(), directory, req.Title, req.ParentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	found, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// UpdateSessionRequest is the body of PATCH /session/{sessionID}. Only
// the title is client-mutable.
type UpdateSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "invalid JSON body")
		return
	}

	updated, err := s.sessions.Update(r.Context(), chi.URLParam(r, "sessionID"), func(session *types.Session) {
		if req.Title != "" {
			session.Title = req.Title
		}
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status := types.SessionStatus{Type: types.SessionIdle}
	if s.sessions.Busy(sessionID) {
		status.Type = types.SessionBusy
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.sessions.Children(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if children == nil {
		children = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, children)
}

// ForkSessionRequest is the body of POST /session/{sessionID}/fork. An
// empty MessageID forks the whole history.
type ForkSessionRequest struct {
	MessageID string `json:"messageID,omitempty"`
}

func (s *Server) forkSession(w http.ResponseWriter, r *http.Request) {
	var req ForkSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "invalid JSON body")
		return
	}

	fork, err := s.sessions.Fork(r.Context(), chi.URLParam(r, "sessionID"), req.MessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fork)
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Abort(chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) shareSession(w http.ResponseWriter, r *http.Request) {
	url, err := s.sessions.Share(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) unshareSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Unshare(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) summarizeSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.Summarize(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RevertSessionRequest is the body of POST /session/{sessionID}/revert.
type RevertSessionRequest struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
}

func (s *Server) revertSession(w http.ResponseWriter, r *http.Request) {
	var req RevertSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "messageID is required")
		return
	}

	if err := s.sessions.Revert(r.Context(), chi.URLParam(r, "sessionID"), req.MessageID, req.PartID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) unrevertSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Unrevert(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := s.sessions.Todos(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if todos == nil {
		todos = []types.TodoInfo{}
	}
	writeJSON(w, http.StatusOK, todos)
}

// RespondPermissionRequest is the body of
// POST /session/{sessionID}/permissions/{permissionID}.
type RespondPermissionRequest struct {
	Response string `json:"response"` // "once" | "always" | "reject"
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req RespondPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "invalid JSON body")
		return
	}

	switch req.Response {
	case "once", "always", "reject":
	default:
		writeError(w, http.StatusBadRequest, errCodeInvalidRequest, "response must be once, always or reject")
		return
	}

	s.checker.Respond(chi.URLParam(r, "permissionID"), req.Response)
	writeSuccess(w)
}
