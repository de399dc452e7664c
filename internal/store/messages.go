// ABOUTME: SQLite operations for durable room messages
// ABOUTME: Messages are persisted before broadcast; deletion is a soft tombstone

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveMessage persists exactly one durable record for a message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, room_id, sender_id, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.RoomID,
		msg.SenderID,
		msg.Content,
		nullString(msg.Metadata),
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("message saved",
		"message_id", msg.ID,
		"room_id", msg.RoomID,
		"sender_id", msg.SenderID,
	)
	return nil
}

// GetMessage fetches a message by ID. Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, room_id, sender_id, content, metadata, created_at, deleted_at
		FROM messages WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// ListRoomMessages returns the most recent messages of a room, oldest first,
// excluding deleted messages.
func (s *SQLiteStore) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, room_id, sender_id, content, metadata, created_at, deleted_at
		FROM (
			SELECT * FROM messages
			WHERE room_id = ? AND deleted_at IS NULL
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying room messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// MarkMessageDeleted soft-deletes a message. Returns ErrNotFound for unknown IDs.
func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking message deleted: %w", err)
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

// CountMessagesSince counts non-deleted messages in a room created after the
// given time. A nil since counts the room's whole history. Used by the
// memory compaction trigger.
func (s *SQLiteStore) CountMessagesSince(ctx context.Context, roomID string, since *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE room_id = ? AND deleted_at IS NULL`
	args := []any{roomID}
	if since != nil {
		query += " AND created_at > ?"
		args = append(args, since.UTC().Format(time.RFC3339))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var metadata sql.NullString
	var createdAt string
	var deletedAt sql.NullString

	err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &metadata, &createdAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	if metadata.Valid {
		msg.Metadata = metadata.String
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("parsing deleted_at: %w", err)
	}
	return &msg, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
