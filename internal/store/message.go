package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/famledger/internal/model"
)

type MessageStore struct {
	db DBTX
}

func NewMessageStore(db DBTX) *MessageStore {
	return &MessageStore{db: db}
}

func scanMessage(scanner interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	var createdAt int64
	err := scanner.Scan(
		&m.ID, &m.FamilyID, &m.SenderID, &m.SenderName, &m.SenderRole,
		&m.Content, &m.Deleted, &createdAt, &m.IsRead, &m.ReadCount,
	)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromUnix(createdAt)
	return &m, nil
}

// messageSelect takes the viewing member's ID as its first two arguments.
const messageSelect = `SELECT m.id, m.family_id, m.sender_id, s.name, s.role, m.content, m.deleted, m.created_at,
	(m.sender_id = ? OR EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.member_id = ?)),
	(SELECT COUNT(*) FROM message_reads r WHERE r.message_id = m.id)
	FROM messages m JOIN members s ON s.id = m.sender_id`

func (s *MessageStore) Create(ctx context.Context, familyID, senderID int64, content string, now time.Time) (*model.Message, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (family_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)`,
		familyID, senderID, content, unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id, senderID)
}

// GetByID returns the message as seen by viewerID, deleted or not.
func (s *MessageStore) GetByID(ctx context.Context, id, viewerID int64) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+` WHERE m.id = ?`, viewerID, viewerID, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListByFamily returns up to limit live messages newest first. A positive
// beforeID pages back from that message.
func (s *MessageStore) ListByFamily(ctx context.Context, familyID, viewerID, beforeID int64, limit int) ([]model.Message, error) {
	query := messageSelect + ` WHERE m.family_id = ? AND m.deleted = 0`
	args := []any{viewerID, viewerID, familyID}
	if beforeID > 0 {
		query += ` AND m.id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// MarkRead records that memberID read the message. It reports false when
// the read was already recorded.
func (s *MessageStore) MarkRead(ctx context.Context, messageID, memberID int64, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, member_id, read_at) VALUES (?, ?, ?)`,
		messageID, memberID, unix(now),
	)
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message read rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkAllRead marks every live message in the family not sent by memberID as
// read and returns how many were newly marked.
func (s *MessageStore) MarkAllRead(ctx context.Context, familyID, memberID int64, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reads (message_id, member_id, read_at)
		 SELECT id, ?, ? FROM messages
		 WHERE family_id = ? AND deleted = 0 AND sender_id != ?`,
		memberID, unix(now), familyID, memberID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all messages read: %w", err)
	}
	return result.RowsAffected()
}

// CountUnread counts live messages from other members that memberID has not
// read.
func (s *MessageStore) CountUnread(ctx context.Context, familyID, memberID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.family_id = ? AND m.deleted = 0 AND m.sender_id != ?
		 AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.member_id = ?)`,
		familyID, memberID, memberID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return n, nil
}

// SoftDelete hides the message from listings and counts. The row is kept.
func (s *MessageStore) SoftDelete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
