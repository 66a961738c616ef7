// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines Message, ChatSummary, ChatDelta and the Store interface for chat history

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Message is one persisted chat message. Messages are never updated after append.
type Message struct {
	ID         string
	TenantID   string
	ChatID     string
	ExternalID string // protocol message id, empty for messages sent through the gateway
	FromMe     bool
	Text       string
	Timestamp  time.Time
}

// ChatSummary is the denormalized per-counterparty projection used for chat lists.
type ChatSummary struct {
	TenantID      string
	ChatID        string
	DisplayName   string
	LastMessage   string
	LastMessageAt *time.Time
	UnreadCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChatDelta describes a change to a chat summary. Zero fields leave the stored
// value untouched, so the same delta applies cleanly whether or not the row exists.
type ChatDelta struct {
	// DisplayName replaces the stored name when non-empty.
	DisplayName string
	// DefaultName is used only when the row has no name yet.
	DefaultName string
	// LastMessage and LastMessageAt replace the stored preview when non-nil.
	LastMessage   *string
	LastMessageAt *time.Time
	// UnreadIncrement is added to the stored unread count.
	UnreadIncrement int
}

// Store defines the interface for chat and message persistence
type Store interface {
	// AppendMessage durably records one message. ID is generated when empty.
	AppendMessage(ctx context.Context, msg *Message) error

	// UpsertChatSummary creates the chat row if needed and applies delta to it.
	UpsertChatSummary(ctx context.Context, tenantID, chatID string, delta ChatDelta) error

	// DeleteChat removes the chat's messages and then the chat row in one
	// transaction, returning how many messages were removed. Returns ErrNotFound
	// when neither exists.
	DeleteChat(ctx context.Context, tenantID, chatID string) (int, error)

	// Read models
	GetChat(ctx context.Context, tenantID, chatID string) (*ChatSummary, error)
	ListChats(ctx context.Context, tenantID string, limit int) ([]*ChatSummary, error)
	GetChatMessages(ctx context.Context, tenantID, chatID string, limit int) ([]*Message, error)

	// Ping reports whether the store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum page sizes used by list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
