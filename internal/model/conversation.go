// Package model defines data structures for the chat service.
package model

import (
	"time"
)

// DefaultConversationTitle is the placeholder title until the first exchange completes.
const DefaultConversationTitle = "New Chat"

// Conversation represents a chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RenameConversationRequest is the request to rename a conversation.
type RenameConversationRequest struct {
	Title string `json:"title" validate:"required,max=256"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
