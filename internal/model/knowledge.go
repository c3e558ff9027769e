package model

import (
	"fmt"
	"strings"
	"time"
)

// KnowledgeDocument is one admin-curated reference document.
type KnowledgeDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FormatCorpus frames each document and joins them with a blank line.
func FormatCorpus(docs []KnowledgeDocument) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, fmt.Sprintf("--- DOCUMENT: %s ---\n%s\n--- END DOCUMENT ---", d.Title, d.Content))
	}
	return strings.Join(parts, "\n\n")
}
