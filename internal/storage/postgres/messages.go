package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/ai-ustad/ustad-chat/internal/model"
	"github.com/ai-ustad/ustad-chat/internal/storage"
)

// MessageRepo persists turns in chat_messages.
type MessageRepo struct{ Pool PgxPool }

// NewMessageRepo constructs a MessageRepo with the given pool.
func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

// InsertMessage appends one turn.
func (r *MessageRepo) InsertMessage(ctx context.Context, m *model.Message) error {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.Insert")
	defer span.End()

	sources := m.Sources
	if sources == nil {
		sources = []model.Source{}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("op=message.insert: marshal sources: %w", err)
	}

	_, err = r.Pool.Exec(ctx,
		`INSERT INTO chat_messages (id, chat_id, role, text, sources, is_from_document, is_not_in_document, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, string(raw), m.FromDocument, m.NotInDocument, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("op=message.insert: %w", err)
	}
	return nil
}

// ListMessages returns every turn of a conversation in chronological order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, chat_id, role, text, sources, is_from_document, is_not_in_document, created_at
		 FROM chat_messages WHERE chat_id = $1 ORDER BY created_at ASC, id ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var m model.Message
		var role string
		var raw []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &raw, &m.FromDocument, &m.NotInDocument, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=message.list: %w", err)
		}
		m.Role = model.Role(role)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Sources); err != nil {
				return nil, fmt.Errorf("op=message.list: decode sources: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	return out, nil
}

// DeleteMessagesAfter removes every turn of the conversation created after
// messageID and returns how many were removed.
func (r *MessageRepo) DeleteMessagesAfter(ctx context.Context, conversationID, messageID string) (int64, error) {
	ctx, span := otel.Tracer("repo.messages").Start(ctx, "messages.DeleteAfter")
	defer span.End()

	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT true FROM chat_messages WHERE id = $1 AND chat_id = $2`, messageID, conversationID,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=message.delete_after: %w", storage.ErrNotFound)
		}
		return 0, fmt.Errorf("op=message.delete_after: %w", err)
	}

	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM chat_messages
		 WHERE chat_id = $1
		   AND created_at > (SELECT created_at FROM chat_messages WHERE id = $2)`,
		conversationID, messageID,
	)
	if err != nil {
		return 0, fmt.Errorf("op=message.delete_after: %w", err)
	}
	return tag.RowsAffected(), nil
}
