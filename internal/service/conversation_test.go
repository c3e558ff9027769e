package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
	"github.com/ai-ustad/ustad-chat/pkg/logger"
)

func TestConversationService_ListOnlyOwn(t *testing.T) {
	now := time.Now()
	convs := newMemConversations(
		model.Conversation{ID: "a", UserID: "u1", UpdatedAt: now.Add(-time.Hour)},
		model.Conversation{ID: "b", UserID: "u1", UpdatedAt: now},
		model.Conversation{ID: "c", UserID: "u2", UpdatedAt: now},
	)
	svc := NewConversationService(convs, &memMessages{}, logger.NewNop())

	resp, err := svc.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, "b", resp.Conversations[0].ID)

	resp, err = svc.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, resp.Conversations)
	assert.Empty(t, resp.Conversations)
}

func TestConversationService_RenameAndForbid(t *testing.T) {
	convs := newMemConversations(model.Conversation{ID: "a", UserID: "u1", Title: "old"})
	svc := NewConversationService(convs, &memMessages{}, logger.NewNop())
	ctx := context.Background()

	conv, err := svc.Rename(ctx, "u1", "a", "  Fasting rules  ")
	require.NoError(t, err)
	assert.Equal(t, "Fasting rules", conv.Title)
	assert.Equal(t, "Fasting rules", convs.get("a").Title)

	_, err = svc.Rename(ctx, "u2", "a", "hijack")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Rename(ctx, "u1", "a", " ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Rename(ctx, "u1", "missing", "x")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConversationService_Delete(t *testing.T) {
	convs := newMemConversations(model.Conversation{ID: "a", UserID: "u1"})
	svc := NewConversationService(convs, &memMessages{}, logger.NewNop())

	assert.ErrorIs(t, svc.Delete(context.Background(), "u2", "a"), ErrForbidden)
	require.NoError(t, svc.Delete(context.Background(), "u1", "a"))
	assert.Nil(t, convs.get("a"))
}

func TestConversationService_DeleteMessagesAfter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := &memMessages{msgs: []model.Message{
		{ID: "m1", ConversationID: "a", Role: model.RoleUser, CreatedAt: base},
		{ID: "m2", ConversationID: "a", Role: model.RoleAssistant, CreatedAt: base.Add(time.Second)},
		{ID: "m3", ConversationID: "a", Role: model.RoleUser, CreatedAt: base.Add(2 * time.Second)},
		{ID: "m4", ConversationID: "a", Role: model.RoleAssistant, CreatedAt: base.Add(3 * time.Second)},
	}}
	convs := newMemConversations(model.Conversation{ID: "a", UserID: "u1"})
	svc := NewConversationService(convs, msgs, logger.NewNop())

	n, err := svc.DeleteMessagesAfter(context.Background(), "u1", "a", "m2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	resp, err := svc.Messages(context.Background(), "u1", "a")
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "m2", resp.Messages[1].ID)

	_, err = svc.DeleteMessagesAfter(context.Background(), "u1", "a", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
