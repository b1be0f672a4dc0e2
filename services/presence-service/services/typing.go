package services

import (
	"context"
	"errors"
	"time"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

var ErrInvalidConversationID = errors.New("conversation id must be non-empty and must not contain ':' or whitespace")

// TypingService manages short-lived typing flags. It reads and writes the store only; a flag that
// is never stopped simply expires.
type TypingService struct {
	store  *Store
	ttl    time.Duration
	logger *utils.Logger
}

func NewTypingService(store *Store, ttl time.Duration, logger *utils.Logger) *TypingService {
	return &TypingService{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "typing"),
	}
}

// StartTyping sets or refreshes the user's flag in the conversation.
func (t *TypingService) StartTyping(ctx context.Context, conversationID, userID string) error {
	if err := validateTyping(conversationID, userID); err != nil {
		return err
	}
	return t.store.SetTyping(ctx, conversationID, userID, t.ttl)
}

func (t *TypingService) StopTyping(ctx context.Context, conversationID, userID string) error {
	if err := validateTyping(conversationID, userID); err != nil {
		return err
	}
	return t.store.ClearTyping(ctx, conversationID, userID)
}

// GetTypingUsers returns the users whose flag in the conversation has not expired.
func (t *TypingService) GetTypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	if !models.ValidID(conversationID) {
		return nil, ErrInvalidConversationID
	}
	return t.store.TypingUsers(ctx, conversationID)
}

// ClearUserTyping removes the user's flags in every conversation.
func (t *TypingService) ClearUserTyping(ctx context.Context, userID string) error {
	if !models.ValidID(userID) {
		return ErrInvalidUserID
	}

	n, err := t.store.ClearUserTyping(ctx, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		t.logger.Debug("Cleared typing flags", "user_id", userID, "count", n)
	}
	return nil
}

// ClearAllTyping removes every flag in the conversation.
func (t *TypingService) ClearAllTyping(ctx context.Context, conversationID string) error {
	if !models.ValidID(conversationID) {
		return ErrInvalidConversationID
	}
	_, err := t.store.ClearConversationTyping(ctx, conversationID)
	return err
}

func validateTyping(conversationID, userID string) error {
	if !models.ValidID(conversationID) {
		return ErrInvalidConversationID
	}
	if !models.ValidID(userID) {
		return ErrInvalidUserID
	}
	return nil
}
