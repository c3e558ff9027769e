package postgres

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/ai-ustad/ustad-chat/internal/model"
)

// KnowledgeRepo reads the reference documents in knowledge_documents.
type KnowledgeRepo struct{ Pool PgxPool }

// NewKnowledgeRepo constructs a KnowledgeRepo with the given pool.
func NewKnowledgeRepo(p PgxPool) *KnowledgeRepo { return &KnowledgeRepo{Pool: p} }

// ListDocuments returns every document, newest first.
func (r *KnowledgeRepo) ListDocuments(ctx context.Context) ([]model.KnowledgeDocument, error) {
	ctx, span := otel.Tracer("repo.knowledge").Start(ctx, "knowledge.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, title, content, created_at FROM knowledge_documents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("op=knowledge.list: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeDocument
	for rows.Next() {
		var d model.KnowledgeDocument
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=knowledge.list: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=knowledge.list: %w", err)
	}
	return out, nil
}
