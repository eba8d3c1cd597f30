package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dzianisv/opencode/internal/event"
	"github.com/dzianisv/opencode/pkg/types"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// envelope is the wire shape of one SSE payload.
type envelope struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

// events serves GET /event: every bus event as an SSE stream. An
// optional ?sessionID= narrows the stream to one session's events.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errCodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(e envelope) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write(envelope{Type: "server.connected", Properties: map[string]any{}}); err != nil {
		return
	}

	// Small buffer keeps latency low; a slow client drops events rather
	// than stalling publishers.
	incoming := make(chan event.Event, 16)
	unsub := event.SubscribeAll(func(e event.Event) {
		if sessionID != "" && !belongsToSession(e, sessionID) {
			return
		}
		select {
		case incoming <- e:
		default:
			s.log.Debug().Str("event", string(e.Type)).Msg("sse event dropped, client too slow")
		}
	})
	defer unsub()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-incoming:
			if err := write(envelope{Type: e.Type, Properties: e.Data}); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// belongsToSession reports whether an event concerns sessionID. Events
// without session affinity (file edits, branch changes) pass through.
func belongsToSession(e event.Event, sessionID string) bool {
	switch data := e.Data.(type) {
	case event.SessionCreatedData:
		return data.Info != nil && data.Info.ID == sessionID
	case event.SessionUpdatedData:
		return data.Info != nil && data.Info.ID == sessionID
	case event.SessionDeletedData:
		return data.Info != nil && data.Info.ID == sessionID
	case event.SessionStatusData:
		return data.SessionID == sessionID
	case event.SessionCompactedData:
		return data.SessionID == sessionID
	case event.SessionErrorData:
		return data.SessionID == sessionID
	case event.MessageCreatedData:
		return data.Info != nil && data.Info.SessionID == sessionID
	case event.MessageUpdatedData:
		return data.Info != nil && data.Info.SessionID == sessionID
	case event.MessageRemovedData:
		return data.SessionID == sessionID
	case event.MessagePartUpdatedData:
		return partSessionID(data.Part) == sessionID
	case event.MessagePartRemovedData:
		return data.SessionID == sessionID
	case event.PermissionUpdatedData:
		return data.SessionID == sessionID
	case event.PermissionRepliedData:
		return data.SessionID == sessionID
	case event.TodoUpdatedData:
		return data.SessionID == sessionID
	default:
		return true
	}
}

func partSessionID(part types.Part) string {
	switch p := part.(type) {
	case *types.TextPart:
		return p.SessionID
	case *types.ReasoningPart:
		return p.SessionID
	case *types.ToolPart:
		return p.SessionID
	case *types.StepStartPart:
		return p.SessionID
	case *types.StepFinishPart:
		return p.SessionID
	case *types.PatchPart:
		return p.SessionID
	case *types.FilePart:
		return p.SessionID
	default:
		return ""
	}
}
