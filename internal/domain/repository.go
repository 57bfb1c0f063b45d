package domain

import (
	"context"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ListByIDs(ctx context.Context, ids []string) ([]*User, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Insert stores m and fills its server-assigned fields. When a row with
	// the same non-empty ClientID exists, m is filled from that row instead
	// and created is false.
	Insert(ctx context.Context, m *Message) (created bool, err error)
	GetByID(ctx context.Context, id string) (*Message, error)
	Update(ctx context.Context, m *Message) error
	// ListForOwner returns the most recent limit messages, oldest first.
	ListForOwner(ctx context.Context, ownerID string, limit int) ([]*Message, error)
	// ListAll returns the most recent limit messages across owners, oldest
	// first. A limit of zero or less returns every message.
	ListAll(ctx context.Context, limit int) ([]*Message, error)
	// Summaries returns one row per conversation, most recent activity
	// first. readMarks maps owners to the last seq the caller has read;
	// owners without a mark count every customer message as unread.
	Summaries(ctx context.Context, readMarks map[string]int64) ([]*ConversationSummary, error)
	DeleteForOwner(ctx context.Context, ownerID string) (int64, error)
	PruneOld(ctx context.Context, ownerID string, keepLimit int) error
}
