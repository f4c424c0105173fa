package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBindingNotFound  = errors.New("binding not found")
	ErrDuplicateBinding = errors.New("binding already exists")
)

// BindingData is a persisted routing binding. Nil filter pointers mean "any".
type BindingData struct {
	ID          string    `json:"id"`
	Type        string    `json:"binding_type"`
	Priority    int       `json:"priority"`
	AgentID     string    `json:"agent_id"`
	Platform    *string   `json:"platform,omitempty"`
	AccountID   *string   `json:"account_id,omitempty"`
	PeerKind    *string   `json:"peer_kind,omitempty"`
	PeerPattern *string   `json:"peer_pattern,omitempty"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BindingFilter narrows ListBindings. Zero values match everything.
type BindingFilter struct {
	AgentID     string
	Platform    string
	EnabledOnly bool
}

// BindingStore persists routing bindings across restarts.
type BindingStore interface {
	CreateBinding(ctx context.Context, b *BindingData) error
	GetBinding(ctx context.Context, id string) (*BindingData, error)
	UpdateBinding(ctx context.Context, b *BindingData) error
	DeleteBinding(ctx context.Context, id string) error
	// ListBindings returns bindings ordered by priority (desc) then creation time.
	ListBindings(ctx context.Context, filter BindingFilter) ([]BindingData, error)
	Close() error
}
