package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/agentdeck/internal/idgen"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionError, SessionCancelled:
		return true
	default:
		return false
	}
}

type Session struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	RoomID       string        `json:"room_id,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Status       SessionStatus `json:"status"`
	ResumeToken  string        `json:"resume_token,omitempty"`
	LastSequence int64         `json:"last_sequence"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

var ErrSessionNotFound = errors.New("session not found")

type StatusTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid session status transition for %s: %s -> %s", e.SessionID, e.From, e.To)
}

// Store persists sessions, their ordered event logs, message
// projections and chat rooms. It is the only component permitted to
// assign event sequence numbers.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	seqLock map[string]*sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{db: db, seqLock: map[string]*sync.Mutex{}}
}

func (s *Store) CreateSession(ctx context.Context, projectID, roomID, provider, model string) (Session, error) {
	if projectID == "" {
		return Session{}, fmt.Errorf("project_id is required")
	}
	if provider == "" {
		return Session{}, fmt.Errorf("provider is required")
	}
	id := idgen.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, room_id, provider, model, status, last_sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, projectID, nullString(roomID), provider, nullString(model), SessionRunning,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	if roomID != "" {
		if err := s.setRoomSession(ctx, roomID, id, now); err != nil {
			return Session{}, err
		}
	}
	return Session{
		ID:        id,
		ProjectID: projectID,
		RoomID:    roomID,
		Provider:  provider,
		Model:     model,
		Status:    SessionRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, room_id, provider, model, status, resume_token, last_sequence, created_at, updated_at
		FROM sessions WHERE id = ?
	`, sessionID)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, projectID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, room_id, provider, model, status, resume_token, last_sequence, created_at, updated_at
		FROM sessions WHERE project_id = ? ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// SetResumeToken records the provider-assigned resume token. Called
// the moment any event shape carries one, so a mid-run disconnect
// never loses resumability.
func (s *Store) SetResumeToken(ctx context.Context, sessionID, token string) error {
	if token == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET resume_token = ?, updated_at = ? WHERE id = ?`,
		token, now, sessionID)
	if err != nil {
		return fmt.Errorf("set resume token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set resume token rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetStatus moves a session to a new status. Terminal states are
// frozen: any transition out of them is rejected.
func (s *Store) SetStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	current, err := s.sessionStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	if current.Terminal() {
		return &StatusTransitionError{SessionID: sessionID, From: current, To: status}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, now, sessionID, current)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows affected: %w", err)
	}
	if affected == 0 {
		latest, err := s.sessionStatus(ctx, sessionID)
		if err != nil {
			return err
		}
		if latest == status {
			return nil
		}
		return &StatusTransitionError{SessionID: sessionID, From: latest, To: status}
	}
	return nil
}

// LatestResumable returns the most recent session for a room that
// still carries a resume token, or ErrSessionNotFound.
func (s *Store) LatestResumable(ctx context.Context, roomID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, room_id, provider, model, status, resume_token, last_sequence, created_at, updated_at
		FROM sessions
		WHERE room_id = ? AND resume_token IS NOT NULL AND resume_token != ''
		ORDER BY created_at DESC LIMIT 1
	`, roomID)
	return scanSession(row)
}

func (s *Store) sessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("load session status: %w", err)
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var roomID, model, resumeToken sql.NullString
	var createdAtStr, updatedAtStr string
	err := row.Scan(&sess.ID, &sess.ProjectID, &roomID, &sess.Provider, &model, &sess.Status,
		&resumeToken, &sess.LastSequence, &createdAtStr, &updatedAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.RoomID = roomID.String
	sess.Model = model.String
	sess.ResumeToken = resumeToken.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return sess, nil
}
