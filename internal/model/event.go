package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeComplete    EventType = "complete"
	EventTypeTruncated   EventType = "truncated"
	EventTypeError       EventType = "error"
	EventTypeCancel      EventType = "cancel"
	EventTypeRateLimit   EventType = "rate_limit"
	EventTypeUnavailable EventType = "unavailable"
	EventTypeTimeout     EventType = "timeout"
)

// ConversationEvent records the outcome of one exchange.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}
