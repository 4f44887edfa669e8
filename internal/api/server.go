package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/agentdeck/internal/collab"
	"github.com/flitsinc/agentdeck/internal/engine"
	"github.com/flitsinc/agentdeck/internal/guard"
	"github.com/flitsinc/agentdeck/internal/hub"
	"github.com/flitsinc/agentdeck/internal/store"
	"github.com/flitsinc/agentdeck/internal/stream"
)

type Server struct {
	Store     *store.Store
	Hub       *hub.Hub
	Runtime   *engine.Runtime
	Collab    *collab.Client
	Providers []string
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/projects/", s.handleProjectItem)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/rooms/", s.handleRoomItem)
	mux.HandleFunc("/api/stream/ws", s.handleStreamWS)
	mux.HandleFunc("/api/stream/sse", s.handleStreamSSE)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.StartedAt).Seconds()),
		"providers":      s.Providers,
	})
}

// handleMessages accepts a user instruction and starts a run. The
// response carries the new session; output arrives over the push
// channel and the event log.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		ProjectID     string `json:"project_id"`
		RoomID        string `json:"room_id"`
		Provider      string `json:"provider"`
		Model         string `json:"model"`
		Instruction   string `json:"instruction"`
		NewSession    bool   `json:"new_session"`
		InitialPrompt bool   `json:"initial_prompt"`
		Attachments   []struct {
			Name string `json:"name"`
			Mime string `json:"mime"`
			Data string `json:"data"`
		} `json:"attachments"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	attachments := make([]engine.Attachment, 0, len(payload.Attachments))
	for i, att := range payload.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("attachment %d: decode base64: %w", i+1, err))
			return
		}
		attachments = append(attachments, engine.Attachment{Name: att.Name, Mime: att.Mime, Data: data})
	}
	if payload.RoomID != "" {
		editable, err := s.Store.RoomEditable(r.Context(), payload.RoomID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if !editable {
			writeError(w, http.StatusConflict, errors.New("room is not accepting instructions"))
			return
		}
	}
	sess, err := s.Runtime.Submit(r.Context(), engine.SubmitRequest{
		ProjectID:     payload.ProjectID,
		RoomID:        payload.RoomID,
		Provider:      payload.Provider,
		Model:         payload.Model,
		Instruction:   payload.Instruction,
		NewSession:    payload.NewSession,
		InitialPrompt: payload.InitialPrompt,
		Attachments:   attachments,
	})
	if err != nil {
		if errors.Is(err, engine.ErrRunActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleProjectItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/projects/")
	if len(segments) < 2 {
		writeError(w, http.StatusNotFound, errNotFound("project resource"))
		return
	}
	projectID := segments[0]
	switch segments[1] {
	case "sessions":
		s.handleProjectSessions(w, r, projectID)
	case "messages":
		s.handleProjectMessages(w, r, projectID)
	case "rooms":
		s.handleProjectRooms(w, r, projectID)
	case "requests":
		s.handleProjectRequests(w, r, projectID)
	case "preview":
		s.handleProjectPreview(w, r, projectID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("project resource"))
	}
}

func (s *Server) handleProjectSessions(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	sessions, err := s.Store.ListSessions(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.URL.Query().Get("events") == "" {
		writeJSON(w, http.StatusOK, sessions)
		return
	}
	eventLimit := parseInt(r.URL.Query().Get("events"), 0)
	type sessionWithEvents struct {
		store.Session
		Events []stream.Event `json:"events,omitempty"`
	}
	out := make([]sessionWithEvents, 0, len(sessions))
	for _, sess := range sessions {
		events, err := s.Store.LatestEvents(r.Context(), sess.ID, eventLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, sessionWithEvents{Session: sess, Events: events})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProjectMessages(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	msgs, err := s.Store.ListMessages(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleProjectRooms(w http.ResponseWriter, r *http.Request, projectID string) {
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.Store.ListRooms(r.Context(), projectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rooms)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		room, err := s.Store.CreateRoom(r.Context(), projectID, payload.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleProjectRequests(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.Runtime.ActiveCount(projectID),
	})
}

// handleProjectPreview fans a deploy result out to viewers and, when
// the collaboration service is configured, reports it upstream.
func (s *Server) handleProjectPreview(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		OK     bool   `json:"ok"`
		Detail string `json:"detail"`
		URL    string `json:"url"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	env := stream.Envelope{Type: stream.EnvelopePreviewSuccess, Data: map[string]any{
		"url":    payload.URL,
		"detail": payload.Detail,
	}}
	if !payload.OK {
		env = stream.Envelope{Type: stream.EnvelopePreviewError, Error: payload.Detail}
	}
	s.Hub.Publish(projectID, env)
	if s.Collab.Enabled() {
		_ = s.Collab.ReportPreview(r.Context(), projectID, payload.OK, payload.Detail)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/sessions/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		sess, err := s.Store.GetSession(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}
	switch segments[1] {
	case "events":
		s.handleSessionEvents(w, r, sessionID)
	case "cancel":
		s.handleSessionCancel(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

// handleSessionEvents serves the ordered log. The after cursor makes
// it the REST half of the resume protocol.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	after := parseInt(r.URL.Query().Get("after"), 0)
	events, err := s.Store.EventsAfter(r.Context(), sessionID, int64(after))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	// The body is optional; an empty POST cancels without a reason.
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.Runtime.Cancel(r.Context(), sessionID, payload.Reason)
	var locked *guard.ErrLocked
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.As(err, &locked):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrNotRunning):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleRoomItem(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r.URL.Path, "/api/rooms/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("room"))
		return
	}
	roomID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		room, err := s.Store.GetRoom(r.Context(), roomID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		editable, err := s.Store.RoomEditable(r.Context(), roomID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"room":     room,
			"editable": editable,
		})
		return
	}
	switch segments[1] {
	case "rename":
		s.handleRoomRename(w, r, roomID)
	case "activate":
		s.handleRoomActivate(w, r, roomID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("room action"))
	}
}

func (s *Server) handleRoomRename(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.RenameRoom(r.Context(), roomID, payload.Name); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRoomActivate toggles the project's active room. An empty body
// activates; {"active": false} clears the flag for the whole project.
func (s *Server) handleRoomActivate(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	room, err := s.Store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	target := roomID
	if payload.Active != nil && !*payload.Active {
		target = ""
	}
	if err := s.Store.SetActiveRoom(r.Context(), room.ProjectID, target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func pathSegments(path, prefix string) []string {
	trimmed := strings.TrimPrefix(path, prefix)
	segments := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		return nil
	}
	return segments
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
