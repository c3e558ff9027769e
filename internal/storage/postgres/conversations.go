package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
)

const conversationColumns = `id, user_id, title, created_at, updated_at`

// ConversationRepo persists conversations in chat_sessions.
type ConversationRepo struct{ Pool PgxPool }

// NewConversationRepo constructs a ConversationRepo with the given pool.
func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

// GetConversation loads a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM chat_sessions WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=conversation.get: %w", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// CreateConversation inserts c. An existing id yields storage.ErrConflict.
func (r *ConversationRepo) CreateConversation(ctx context.Context, c *model.Conversation) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Create")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, nullable(c.UserID), c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=conversation.create: %w", storage.ErrConflict)
		}
		return fmt.Errorf("op=conversation.create: %w", err)
	}
	return nil
}

// ClaimConversation assigns userID to a conversation that has no owner yet.
// Conversations that already have an owner are left untouched.
func (r *ConversationRepo) ClaimConversation(ctx context.Context, id, userID string) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Claim")
	defer span.End()

	if _, err := r.Pool.Exec(ctx,
		`UPDATE chat_sessions SET user_id = $2 WHERE id = $1 AND user_id IS NULL`, id, userID,
	); err != nil {
		return fmt.Errorf("op=conversation.claim: %w", err)
	}
	return nil
}

// ListConversations returns userID's conversations, most recently active first.
func (r *ConversationRepo) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM chat_sessions WHERE user_id = $1 ORDER BY updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	defer rows.Close()

	out := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=conversation.list: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	return out, nil
}

// RenameConversation sets a user-chosen title.
func (r *ConversationRepo) RenameConversation(ctx context.Context, id, title string, at time.Time) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Rename")
	defer span.End()
	return r.setTitle(ctx, "op=conversation.rename", id, title, at)
}

// UpdateConversationTitle sets the title derived from the first prompt.
func (r *ConversationRepo) UpdateConversationTitle(ctx context.Context, id, title string, at time.Time) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.UpdateTitle")
	defer span.End()
	return r.setTitle(ctx, "op=conversation.update_title", id, title, at)
}

func (r *ConversationRepo) setTitle(ctx context.Context, op, id, title string, at time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE chat_sessions SET title = $2, updated_at = $3 WHERE id = $1`, id, title, at,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

// TouchConversation bumps updated_at so the conversation sorts first.
func (r *ConversationRepo) TouchConversation(ctx context.Context, id string, at time.Time) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Touch")
	defer span.End()

	if _, err := r.Pool.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = $2 WHERE id = $1`, id, at,
	); err != nil {
		return fmt.Errorf("op=conversation.touch: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation; its messages cascade.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("repo.conversations").Start(ctx, "conversations.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=conversation.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=conversation.delete: %w", storage.ErrNotFound)
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	var userID *string
	if err := row.Scan(&c.ID, &userID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if userID != nil {
		c.UserID = *userID
	}
	return &c, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
