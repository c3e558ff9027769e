package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

// ConversationService handles conversation history operations for one owner.
type ConversationService struct {
	conversations ConversationStore
	messages      MessageStore
	logger        *logger.Logger
	now           func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(conversations ConversationStore, messages MessageStore, log *logger.Logger) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		logger:        log,
		now:           time.Now,
	}
}

// List returns the user's conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID string) (*model.ListConversationsResponse, error) {
	convs, err := s.conversations.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &model.ListConversationsResponse{Conversations: convs, Total: len(convs)}, nil
}

// Get returns a conversation owned by userID.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (*model.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.UserID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// Rename sets a custom title.
func (s *ConversationService) Rename(ctx context.Context, userID, id, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}

	conv, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.conversations.RenameConversation(ctx, id, title, now); err != nil {
		return nil, fmt.Errorf("failed to rename conversation: %w", err)
	}
	conv.Title = title
	conv.UpdatedAt = now
	return conv, nil
}

// Delete removes a conversation and its turns.
func (s *ConversationService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.conversations.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.logger.Info("conversation deleted", zap.String("conversation_id", id), zap.String("user_id", userID))
	return nil
}

// Messages returns every turn of a conversation in chronological order.
func (s *ConversationService) Messages(ctx context.Context, userID, id string) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return &model.ListMessagesResponse{Messages: msgs}, nil
}

// DeleteMessagesAfter removes every turn created after messageID. Callers use
// it before re-dispatching an edited or retried prompt.
func (s *ConversationService) DeleteMessagesAfter(ctx context.Context, userID, id, messageID string) (int64, error) {
	if strings.TrimSpace(messageID) == "" {
		return 0, fmt.Errorf("%w: reference message id is required", ErrInvalidArgument)
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return 0, err
	}
	n, err := s.messages.DeleteMessagesAfter(ctx, id, messageID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	s.logger.Info("messages deleted after reference",
		zap.String("conversation_id", id),
		zap.String("message_id", messageID),
		zap.Int64("deleted", n),
	)
	return n, nil
}
