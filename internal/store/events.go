package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flitsinc/agentdeck/internal/stream"
)

// AppendEvent assigns the next sequence number for the session and
// persists the event. Writes for a single session are serialized so
// sequences are gapless and strictly increasing even under concurrent
// callers; different sessions never contend.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, typ stream.EventType, payload map[string]any) (stream.Event, error) {
	if sessionID == "" {
		return stream.Event{}, fmt.Errorf("session_id is required")
	}
	if !typ.Valid() {
		return stream.Event{}, fmt.Errorf("unknown event type %q", typ)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return stream.Event{}, fmt.Errorf("encode payload: %w", err)
	}
	createdAt := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stream.Event{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var projectID string
	var lastSeq int64
	err = tx.QueryRowContext(ctx, `SELECT project_id, last_sequence FROM sessions WHERE id = ?`, sessionID).
		Scan(&projectID, &lastSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return stream.Event{}, ErrSessionNotFound
		}
		return stream.Event{}, fmt.Errorf("load session sequence: %w", err)
	}

	seq := lastSeq + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, sequence, project_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, seq, projectID, string(typ), payloadJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return stream.Event{}, fmt.Errorf("insert event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET last_sequence = ?, updated_at = ? WHERE id = ?`,
		seq, createdAt.Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return stream.Event{}, fmt.Errorf("update session sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return stream.Event{}, fmt.Errorf("commit append: %w", err)
	}

	return stream.Event{
		ProjectID: projectID,
		SessionID: sessionID,
		Sequence:  seq,
		Type:      typ,
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

// EventsAfter returns all events with sequence > afterSeq, ascending.
func (s *Store) EventsAfter(ctx context.Context, sessionID string, afterSeq int64) ([]stream.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, project_id, type, payload, created_at
		FROM events WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC
	`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestEvents returns up to limit most recent events in ascending
// sequence order, for history hydration.
func (s *Store) LatestEvents(ctx context.Context, sessionID string, limit int) ([]stream.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, project_id, type, payload, created_at FROM (
			SELECT session_id, sequence, project_id, type, payload, created_at
			FROM events WHERE session_id = ?
			ORDER BY sequence DESC LIMIT ?
		) ORDER BY sequence ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("read latest events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]stream.Event, error) {
	var out []stream.Event
	for rows.Next() {
		var evt stream.Event
		var typ, payloadStr, createdAtStr string
		var payload sql.NullString
		if err := rows.Scan(&evt.SessionID, &evt.Sequence, &evt.ProjectID, &typ, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			payloadStr = payload.String
		}
		evt.Type = stream.EventType(typ)
		evt.Payload = decodeJSONMap(payloadStr)
		evt.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.seqLock[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.seqLock[sessionID] = lock
	}
	return lock
}
