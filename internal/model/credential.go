package model

import (
	"time"
)

// Credential is one managed upstream API key.
type Credential struct {
	ID         string     `json:"id"`
	Secret     string     `json:"-"`
	MaskedKey  string     `json:"masked_key"`
	Label      string     `json:"label,omitempty"`
	Active     bool       `json:"is_active"`
	Primary    bool       `json:"is_primary"`
	ErrorCount int        `json:"error_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AddCredentialRequest is the admin request to register a key.
type AddCredentialRequest struct {
	Key   string `json:"key" validate:"required,min=8,max=256"`
	Label string `json:"label" validate:"max=128"`
}

// CredentialAction is an admin mutation on an existing key.
type CredentialAction string

const (
	ActionSetPrimary   CredentialAction = "set_primary"
	ActionToggleActive CredentialAction = "toggle_active"
)

// UpdateCredentialRequest is the admin PATCH body.
type UpdateCredentialRequest struct {
	Action CredentialAction `json:"action" validate:"required,oneof=set_primary toggle_active"`
}
