// Package chat is the client side of realtime chat: a connection monitor
// with exponential backoff, the per-conversation session state machine,
// and the customer widget and operator inbox built on it.
package chat

import (
	"context"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// Store is the durable message log a session reads and writes.
type Store interface {
	// Insert is idempotent on NewMessage.ClientID.
	Insert(ctx context.Context, m domain.NewMessage) (*domain.Message, error)
	// Query returns the limit most recent messages, oldest first.
	Query(ctx context.Context, ownerID string, limit int) ([]*domain.Message, error)
	DeleteAll(ctx context.Context, ownerID string) error
}

// Directory resolves conversation owners to display identities.
type Directory interface {
	Profiles(ctx context.Context, ids []string) ([]domain.Profile, error)
}

// InboxStore is what the operator inbox needs on top of Store.
type InboxStore interface {
	Store
	Directory
	// Summaries aggregates every conversation server side. readMarks maps
	// owners to the last seq read; unread counts customer messages above it.
	Summaries(ctx context.Context, readMarks map[string]int64) ([]domain.ConversationSummary, error)
}
