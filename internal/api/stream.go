package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/agentdeck/internal/hub"
	"github.com/flitsinc/agentdeck/internal/stream"
)

// handleStreamWS upgrades to a websocket subscribed to one project's
// envelope stream. With session_id and after set it replays the missed
// tail before live delivery; replayed events are tagged so clients and
// the cancellation guard can tell them from live progress.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, errProjectRequired)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	after := parseInt(r.URL.Query().Get("after"), 0)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	ctx := conn.CloseRead(r.Context())
	wsConn := hub.NewWSConn(conn)
	s.serveStream(ctx, wsConn, projectID, sessionID, int64(after))
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// handleStreamSSE is the same subscription over server-sent events for
// clients that cannot hold a websocket.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, errProjectRequired)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	after := parseInt(r.URL.Query().Get("after"), 0)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sseConn := hub.NewSSEConn(w, flusher)
	s.serveStream(r.Context(), sseConn, projectID, sessionID, int64(after))
}

// serveStream registers the connection for live fan-out first and then
// replays the missed tail, so nothing published during replay is lost.
// Overlap between the two is possible; clients dedup on sequence.
func (s *Server) serveStream(ctx context.Context, conn hub.Conn, projectID, sessionID string, after int64) {
	if env, err := (stream.Envelope{Type: stream.EnvelopeConnected}).Marshal(); err == nil {
		if err := conn.Send(ctx, env); err != nil {
			return
		}
	}

	// An unknown session must fail loudly before replay: hydrating an
	// empty transcript would look like a healthy resume.
	if sessionID != "" {
		if _, err := s.Store.GetSession(ctx, sessionID); err != nil {
			s.sendStreamError(ctx, conn, "unknown session "+sessionID)
			return
		}
	}

	connID := s.Hub.Register(projectID, conn)
	defer s.Hub.Unregister(projectID, connID)

	if sessionID != "" {
		events, err := s.Store.EventsAfter(ctx, sessionID, after)
		if err != nil {
			s.sendStreamError(ctx, conn, "replay failed for session "+sessionID)
			return
		}
		for _, evt := range events {
			evt.Replay = true
			s.Runtime.Guard().Observe(sessionID, evt.Type, true)
			data, err := stream.EventEnvelope(evt).Marshal()
			if err != nil {
				continue
			}
			if err := conn.Send(ctx, data); err != nil {
				return
			}
		}
	}

	<-ctx.Done()
}

func (s *Server) sendStreamError(ctx context.Context, conn hub.Conn, msg string) {
	data, err := stream.ErrorEnvelope(msg).Marshal()
	if err != nil {
		return
	}
	_ = conn.Send(ctx, data)
}

var errProjectRequired = errors.New("project_id is required")
