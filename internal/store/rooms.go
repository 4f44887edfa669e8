package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flitsinc/agentdeck/internal/idgen"
)

type Room struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Active        bool      `json:"active"`
	LastSessionID string    `json:"last_session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var ErrRoomNotFound = errors.New("room not found")

func (s *Store) CreateRoom(ctx context.Context, projectID, name string) (Room, error) {
	if projectID == "" {
		return Room{}, fmt.Errorf("project_id is required")
	}
	if name == "" {
		name = "New chat"
	}
	id := idgen.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, project_id, name, active, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, id, projectID, name, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return Room{ID: id, ProjectID: projectID, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, active, last_session_id, created_at, updated_at
		FROM rooms WHERE id = ?
	`, roomID)
	return scanRoom(row)
}

func (s *Store) ListRooms(ctx context.Context, projectID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, active, last_session_id, created_at, updated_at
		FROM rooms WHERE project_id = ? ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

func (s *Store) RenameRoom(ctx context.Context, roomID, name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE rooms SET name = ?, updated_at = ? WHERE id = ?`, name, now, roomID)
	if err != nil {
		return fmt.Errorf("rename room: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename room rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// SetActiveRoom flips the active flag to the given room and clears it
// on every sibling in the same transaction, so at most one room per
// project is active. Passing an empty roomID clears the flag for the
// whole project.
func (s *Store) SetActiveRoom(ctx context.Context, projectID, roomID string) error {
	if projectID == "" {
		return fmt.Errorf("project_id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET active = 0, updated_at = ? WHERE project_id = ? AND active = 1`, now, projectID); err != nil {
		return fmt.Errorf("clear active rooms: %w", err)
	}
	if roomID != "" {
		res, err := tx.ExecContext(ctx, `UPDATE rooms SET active = 1, updated_at = ? WHERE id = ? AND project_id = ?`, now, roomID, projectID)
		if err != nil {
			return fmt.Errorf("set active room: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set active room rows affected: %w", err)
		}
		if affected == 0 {
			return ErrRoomNotFound
		}
	}
	return tx.Commit()
}

// RoomEditable reports whether the room may accept new instructions.
// The active flag wins when any room in the project carries it; with
// no active flag anywhere, a project with at most one room stays
// editable and a multi-room project requires an explicit toggle.
func (s *Store) RoomEditable(ctx context.Context, roomID string) (bool, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if room.Active {
		return true, nil
	}
	var activeCount, total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN active = 1 THEN 1 END), COUNT(*) FROM rooms WHERE project_id = ?
	`, room.ProjectID).Scan(&activeCount, &total)
	if err != nil {
		return false, fmt.Errorf("count rooms: %w", err)
	}
	if activeCount > 0 {
		return false, nil
	}
	return total <= 1, nil
}

func (s *Store) setRoomSession(ctx context.Context, roomID, sessionID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rooms SET last_session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, now.Format(time.RFC3339Nano), roomID)
	if err != nil {
		return fmt.Errorf("update room session: %w", err)
	}
	return nil
}

func scanRoom(row rowScanner) (Room, error) {
	var room Room
	var lastSessionID sql.NullString
	var active int
	var createdAtStr, updatedAtStr string
	err := row.Scan(&room.ID, &room.ProjectID, &room.Name, &active, &lastSessionID, &createdAtStr, &updatedAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.Active = active == 1
	room.LastSessionID = lastSessionID.String
	room.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	room.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return room, nil
}
