package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is a web citation attached to an assistant turn.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Message represents one turn of a conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"chat_id"`

	Role    Role   `json:"role"`
	Content string `json:"text"`

	// Provenance (assistant turns only)
	Sources       []Source `json:"sources,omitempty"`
	FromDocument  bool     `json:"is_from_document"`
	NotInDocument bool     `json:"is_not_in_document"`

	CreatedAt time.Time `json:"created_at"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Prompt         string `json:"prompt" validate:"required,max=100000"`
	ChatID         string `json:"chatId" validate:"required,max=128"`
	IsFirstMessage bool   `json:"isFirstMessage"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// ChatEventType is the type field of a chat stream event.
type ChatEventType string

const (
	ChatEventMetadata ChatEventType = "metadata"
	ChatEventText     ChatEventType = "text"
	ChatEventDone     ChatEventType = "done"
	ChatEventError    ChatEventType = "error"
)

// ChatEvent is one JSON line of the chat event stream.
type ChatEvent struct {
	Type            ChatEventType `json:"type"`
	ChatID          string        `json:"chatId,omitempty"`
	Text            string        `json:"text,omitempty"`
	Sources         []Source      `json:"sources,omitempty"`
	IsFromDocument  bool          `json:"isFromDocument,omitempty"`
	IsNotInDocument bool          `json:"isNotInDocument,omitempty"`
	State           string        `json:"state,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// ErrorResponse is the JSON body of a non-stream error.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}
