package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
	"github.com/djamkenny/hairbookery-sub000/internal/security"
)

const (
	maxBodyRunes        = 5000
	maxClientIDLength   = 128
	DefaultHistoryLimit = 50
)

// Publisher hands realtime frames to the fan-out layer.
type Publisher interface {
	Publish(ctx context.Context, f realtime.Frame) error
}

type MessageService struct {
	messages  domain.MessageRepository
	encryptor *security.Encryptor
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastCreated time.Time

	MaxMessagesPerConversation int
	HistoryMaxLimit            int
}

func NewMessageService(
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
	publisher Publisher,
	logger *slog.Logger,
	maxMessages int,
	historyMax int,
) *MessageService {
	return &MessageService{
		messages:                   messages,
		encryptor:                  encryptor,
		publisher:                  publisher,
		logger:                     logger,
		now:                        time.Now,
		MaxMessagesPerConversation: maxMessages,
		HistoryMaxLimit:            historyMax,
	}
}

type SendInput struct {
	OwnerID  string
	ClientID string
	Body     string
}

// Send persists a message in the owner's conversation on behalf of caller
// and announces it on the conversation and inbox channels. Repeating a send
// with the same ClientID returns the row stored the first time.
func (s *MessageService) Send(ctx context.Context, caller *domain.User, in SendInput) (*domain.Message, error) {
	body, err := validateBody(in.Body)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.OwnerID) == "" {
		return nil, &domain.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if len(in.ClientID) > maxClientIDLength {
		return nil, &domain.ValidationError{Field: "client_id", Reason: "is too long"}
	}
	if err := authorizeOwner(caller, in.OwnerID); err != nil {
		return nil, err
	}

	sealed, err := s.encryptor.Encrypt(body)
	if err != nil {
		return nil, fmt.Errorf("encrypt body: %w", err)
	}

	msg := &domain.Message{
		ID:         uuid.NewString(),
		OwnerID:    in.OwnerID,
		ClientID:   in.ClientID,
		SenderID:   caller.ID,
		SenderRole: caller.Role,
		Body:       sealed,
		CreatedAt:  s.stamp(),
	}
	created, err := s.messages.Insert(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !created && msg.OwnerID != in.OwnerID {
		return nil, fmt.Errorf("client_id %q belongs to another conversation: %w", in.ClientID, domain.ErrConflict)
	}

	out := s.open(msg)
	if !created {
		return out, nil
	}

	if s.MaxMessagesPerConversation > 0 {
		if err := s.messages.PruneOld(ctx, in.OwnerID, s.MaxMessagesPerConversation); err != nil {
			s.logger.Warn("prune old messages", "owner_id", in.OwnerID, "error", err)
		}
	}

	s.publish(ctx, realtime.Frame{Type: realtime.TypeInsert, Channel: realtime.ConversationChannel(out.OwnerID), Message: out})
	s.publish(ctx, realtime.Frame{Type: realtime.TypeInsert, Channel: realtime.InboxChannel, Message: out})
	return out, nil
}

// History returns up to limit of the most recent messages of a conversation,
// oldest first.
func (s *MessageService) History(ctx context.Context, caller *domain.User, ownerID string, limit int) ([]*domain.Message, error) {
	if err := authorizeOwner(caller, ownerID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListForOwner(ctx, ownerID, s.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return s.openAll(msgs), nil
}

// ListAll returns the most recent messages across every conversation. The
// cap is ten history pages; with HistoryMaxLimit unset there is none and a
// zero limit reads everything.
func (s *MessageService) ListAll(ctx context.Context, caller *domain.User, limit int) ([]*domain.Message, error) {
	if caller == nil {
		return nil, domain.ErrUnauthorized
	}
	if caller.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	maxAll := s.HistoryMaxLimit * 10
	if limit <= 0 {
		limit = maxAll
	}
	if maxAll > 0 && limit > maxAll {
		limit = maxAll
	}
	msgs, err := s.messages.ListAll(ctx, limit)
	if err != nil {
		return nil, err
	}
	return s.openAll(msgs), nil
}

// Summaries feeds the operator inbox: one entry per conversation with its
// latest message, its size and the customer messages above readMarks.
func (s *MessageService) Summaries(ctx context.Context, caller *domain.User, readMarks map[string]int64) ([]*domain.ConversationSummary, error) {
	if caller == nil {
		return nil, domain.ErrUnauthorized
	}
	if caller.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	sums, err := s.messages.Summaries(ctx, readMarks)
	if err != nil {
		return nil, err
	}
	for _, sum := range sums {
		sum.LastMessage = *s.open(&sum.LastMessage)
	}
	return sums, nil
}

// Clear deletes every message of a conversation (customer "clear chat",
// operator "archive").
func (s *MessageService) Clear(ctx context.Context, caller *domain.User, ownerID string) (int64, error) {
	if err := authorizeOwner(caller, ownerID); err != nil {
		return 0, err
	}
	return s.messages.DeleteForOwner(ctx, ownerID)
}

// Edit replaces the body of a message sent by caller and announces the
// change on the conversation channel.
func (s *MessageService) Edit(ctx context.Context, caller *domain.User, messageID, newBody string) (*domain.Message, error) {
	body, err := validateBody(newBody)
	if err != nil {
		return nil, err
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != caller.ID {
		return nil, domain.ErrForbidden
	}

	sealed, err := s.encryptor.Encrypt(body)
	if err != nil {
		return nil, fmt.Errorf("encrypt body: %w", err)
	}
	edited := s.now().UTC()
	msg.Body = sealed
	msg.EditedAt = &edited
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}

	out := s.open(msg)
	s.publish(ctx, realtime.Frame{Type: realtime.TypeUpdate, Channel: realtime.ConversationChannel(out.OwnerID), Message: out})
	return out, nil
}

// stamp returns a server timestamp that never goes backwards, so createdAt
// is non-decreasing within a conversation.
func (s *MessageService) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if now.Before(s.lastCreated) {
		now = s.lastCreated
	}
	s.lastCreated = now
	return now
}

func (s *MessageService) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if s.HistoryMaxLimit > 0 && limit > s.HistoryMaxLimit {
		limit = s.HistoryMaxLimit
	}
	return limit
}

func (s *MessageService) publish(ctx context.Context, f realtime.Frame) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, f); err != nil {
		s.logger.Warn("publish frame", "type", f.Type, "channel", f.Channel, "error", err)
	}
}

// open returns a copy of m with a readable body. On decrypt failure the
// stored text is returned as is.
func (s *MessageService) open(m *domain.Message) *domain.Message {
	out := *m
	if plain, err := s.encryptor.Decrypt(m.Body); err == nil {
		out.Body = plain
	} else {
		s.logger.Debug("decrypt message body", "message_id", m.ID, "error", err)
	}
	return &out
}

func (s *MessageService) openAll(msgs []*domain.Message) []*domain.Message {
	res := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		res = append(res, s.open(m))
	}
	return res
}

func validateBody(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", &domain.ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		return "", &domain.ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d characters", maxBodyRunes)}
	}
	return body, nil
}

func authorizeOwner(caller *domain.User, ownerID string) error {
	if caller == nil {
		return domain.ErrUnauthorized
	}
	switch caller.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleUser:
		if caller.ID == ownerID {
			return nil
		}
	}
	return domain.ErrForbidden
}

// IsValidation reports whether err was raised before touching the store.
func IsValidation(err error) bool {
	var ve *domain.ValidationError
	return errors.As(err, &ve)
}
