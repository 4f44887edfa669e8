package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flitsinc/agentdeck/internal/idgen"
)

// Message is the read-optimized projection of finalized output. The
// event log stays authoritative for replay; messages exist so history
// loads do not have to re-run reconstruction server-side.
type Message struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	SessionID string         `json:"session_id,omitempty"`
	Role      string         `json:"role"`
	Kind      string         `json:"kind"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Store) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ProjectID == "" {
		return Message{}, fmt.Errorf("project_id is required")
	}
	if msg.Role == "" {
		return Message{}, fmt.Errorf("role is required")
	}
	if msg.ID == "" {
		msg.ID = idgen.New()
	}
	if msg.Kind == "" {
		msg.Kind = "chat"
	}
	msg.CreatedAt = time.Now().UTC()
	metadataJSON, err := encodeJSON(msg.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, session_id, role, kind, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ProjectID, nullString(msg.SessionID), msg.Role, msg.Kind, msg.Content,
		metadataJSON, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, session_id, role, kind, content, metadata, created_at
		FROM messages WHERE project_id = ?
		ORDER BY created_at ASC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var sessionID, metadataStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &sessionID, &msg.Role, &msg.Kind, &msg.Content, &metadataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SessionID = sessionID.String
		msg.Metadata = decodeJSONMap(metadataStr.String)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
