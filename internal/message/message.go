// Package message is the family message feed: members post short messages,
// page through them, and track what they have read.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dukerupert/famledger/internal/apperr"
	"github.com/dukerupert/famledger/internal/feed"
	"github.com/dukerupert/famledger/internal/model"
	"github.com/dukerupert/famledger/internal/policy"
	"github.com/dukerupert/famledger/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Service struct {
	db     *sql.DB
	hub    *feed.Hub
	logger *slog.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, hub *feed.Hub, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		hub:    hub,
		logger: logger.With("component", "message"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send posts content to the actor's family and pushes it to connected clients.
func (s *Service) Send(ctx context.Context, actor policy.Actor, content string) (*model.Message, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotAuthorized("send message", "you must be part of a family to send messages")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.InvalidRequest("send message", "message content cannot be empty")
	}
	if utf8.RuneCountInString(content) > model.MaxMessageLength {
		return nil, apperr.InvalidRequest("send message",
			fmt.Sprintf("message content is limited to %d characters", model.MaxMessageLength))
	}

	m, err := store.NewMessageStore(s.db).Create(ctx, familyID, actor.MemberID, content, s.now())
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.hub.Broadcast(familyID, feed.NewMessage("message", "created", m.ID, map[string]any{
		"sender_id":   m.SenderID,
		"sender_name": m.SenderName,
		"content":     m.Content,
	}))
	s.logger.Debug("message sent", "message_id", m.ID, "family_id", familyID, "by", actor.MemberID)
	return m, nil
}

// List returns a page of messages oldest first. beforeID pages back from an
// earlier page's first message.
func (s *Service) List(ctx context.Context, actor policy.Actor, beforeID int64, limit int) ([]model.Message, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound("list messages", "you are not part of any family")
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	messages, err := store.NewMessageStore(s.db).ListByFamily(ctx, familyID, actor.MemberID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, nil
}

// MarkRead records that the actor read a message. Marking twice is harmless.
func (s *Service) MarkRead(ctx context.Context, actor policy.Actor, id int64) error {
	ms := store.NewMessageStore(s.db)
	if _, err := loadMessage(ctx, ms, actor, id, "mark message read"); err != nil {
		return err
	}
	if _, err := ms.MarkRead(ctx, id, actor.MemberID, s.now()); err != nil {
		return err
	}
	return nil
}

// MarkAllRead marks every message from other members as read and returns how
// many were newly marked.
func (s *Service) MarkAllRead(ctx context.Context, actor policy.Actor) (int64, error) {
	familyID, ok := actor.Family()
	if !ok {
		return 0, apperr.NotFound("mark all messages read", "you are not part of any family")
	}
	return store.NewMessageStore(s.db).MarkAllRead(ctx, familyID, actor.MemberID, s.now())
}

// UnreadCount counts messages from other members the actor has not read.
// Members outside a family have none.
func (s *Service) UnreadCount(ctx context.Context, actor policy.Actor) (int, error) {
	familyID, ok := actor.Family()
	if !ok {
		return 0, nil
	}
	return store.NewMessageStore(s.db).CountUnread(ctx, familyID, actor.MemberID)
}

// Delete hides a message. Only its sender or a guardian may delete it.
func (s *Service) Delete(ctx context.Context, actor policy.Actor, id int64) error {
	ms := store.NewMessageStore(s.db)
	m, err := loadMessage(ctx, ms, actor, id, "delete message")
	if err != nil {
		return err
	}
	if m.SenderID != actor.MemberID && actor.Role != model.RoleGuardian {
		return apperr.NotAuthorized("delete message", "only the sender or a guardian can delete this message")
	}
	if err := ms.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.hub.Broadcast(m.FamilyID, feed.NewMessage("message", "deleted", id, nil))
	s.logger.Info("message deleted", "message_id", id, "by", actor.MemberID)
	return nil
}

// loadMessage returns a live message in the actor's family. Messages in other
// families and deleted ones are reported as not found.
func loadMessage(ctx context.Context, ms *store.MessageStore, actor policy.Actor, id int64, op string) (*model.Message, error) {
	familyID, ok := actor.Family()
	if !ok {
		return nil, apperr.NotFound(op, "you are not part of any family")
	}
	m, err := ms.GetByID(ctx, id, actor.MemberID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m == nil || m.Deleted || m.FamilyID != familyID {
		return nil, apperr.NotFound(op, "message not found")
	}
	return m, nil
}
