// ABOUTME: SQLite operations for rooms and room membership
// ABOUTME: Membership here is the capability source consulted by the access gate

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateRoom inserts a new room. Returns ErrDuplicateRoom if the ID is taken.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *Room) error {
	query := `
		INSERT INTO rooms (id, name, owner_id, kind, sensitive, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		room.ID,
		room.Name,
		room.OwnerID,
		room.Kind,
		boolToInt(room.Sensitive),
		room.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateRoom
		}
		return fmt.Errorf("inserting room: %w", err)
	}
	return nil
}

// GetRoom fetches a room by ID. Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	query := `
		SELECT id, name, owner_id, kind, sensitive, compacted_at, created_at
		FROM rooms WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var room Room
	var sensitive int
	var compactedAt sql.NullString
	var createdAt string
	err := row.Scan(&room.ID, &room.Name, &room.OwnerID, &room.Kind, &sensitive, &compactedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}

	room.Sensitive = sensitive != 0
	if room.CompactedAt, err = parseNullTime(compactedAt); err != nil {
		return nil, fmt.Errorf("parsing compacted_at: %w", err)
	}
	if room.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &room, nil
}

// AddMember adds a participant to a room. Re-adding an existing member updates
// the mutable attributes instead of failing.
func (s *SQLiteStore) AddMember(ctx context.Context, member *RoomMember) error {
	query := `
		INSERT INTO room_members (room_id, user_id, kind, display_name, language, auto_translate, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			language = excluded.language,
			auto_translate = excluded.auto_translate
	`
	_, err := s.db.ExecContext(ctx, query,
		member.RoomID,
		member.UserID,
		member.Kind,
		member.DisplayName,
		member.Language,
		boolToInt(member.AutoTranslate),
		member.JoinedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting room member: %w", err)
	}
	return nil
}

// RemoveMember removes a participant from a room.
func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("removing room member: %w", err)
	}
	return nil
}

// IsMember reports whether the user belongs to the room.
func (s *SQLiteStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying membership: %w", err)
	}
	return true, nil
}

// ListMembers returns all participants of a room, bots and humans alike.
func (s *SQLiteStore) ListMembers(ctx context.Context, roomID string) ([]*RoomMember, error) {
	query := `
		SELECT room_id, user_id, kind, display_name, language, auto_translate, joined_at
		FROM room_members
		WHERE room_id = ?
		ORDER BY joined_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying room members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []*RoomMember
	for rows.Next() {
		var m RoomMember
		var autoTranslate int
		var joinedAt string
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Kind, &m.DisplayName, &m.Language, &autoTranslate, &joinedAt); err != nil {
			return nil, fmt.Errorf("scanning room member: %w", err)
		}
		m.AutoTranslate = autoTranslate != 0
		if m.JoinedAt, err = time.Parse(time.RFC3339, joinedAt); err != nil {
			return nil, fmt.Errorf("parsing joined_at: %w", err)
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room members: %w", err)
	}
	return members, nil
}

// SetRoomCompactedAt records the last memory compaction time for a room.
func (s *SQLiteStore) SetRoomCompactedAt(ctx context.Context, roomID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET compacted_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), roomID)
	if err != nil {
		return fmt.Errorf("updating compacted_at: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
