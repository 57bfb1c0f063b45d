package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role tags who authored a message or owns a token. A single message table
// serves both parties, so every message carries its role explicitly.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleUser
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Other returns the counterpart role in a conversation.
func (r Role) Other() Role {
	switch r {
	case RoleUser:
		return RoleAdmin
	case RoleAdmin:
		return RoleUser
	default:
		return RoleUnknown
	}
}

// ParseRole converts the wire/database form of a role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: cannot encode role %d", ErrInvalidInput, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// User represents an account of the marketplace (client or operator).
type User struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Email          string    `db:"email" json:"email"`
	HashedPassword string    `db:"hashed_password" json:"-"`
	Role           Role      `db:"role" json:"role"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Profile is the display identity of a conversation owner.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u *User) Profile() Profile {
	return Profile{ID: u.ID, Name: u.Name, Email: u.Email}
}

// Message is a single persisted chat utterance. OwnerID partitions
// conversations: every message of a conversation carries the same owner,
// whichever role sent it.
type Message struct {
	ID         string     `db:"id" json:"id"`
	OwnerID    string     `db:"owner_id" json:"owner_id"`
	ClientID   string     `db:"client_id" json:"client_id,omitempty"`
	SenderID   string     `db:"sender_id" json:"sender_id"`
	SenderRole Role       `db:"sender_role" json:"sender_role"`
	Body       string     `db:"body" json:"body"` // encrypted at rest
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	EditedAt   *time.Time `db:"edited_at" json:"edited_at,omitempty"`
	Seq        int64      `db:"seq" json:"seq"`
}

// ConversationSummary is the per-owner aggregate behind the operator inbox.
// Unread counts customer messages with a seq above the caller's read mark.
type ConversationSummary struct {
	OwnerID     string  `json:"owner_id"`
	LastMessage Message `json:"last_message"`
	Count       int     `json:"count"`
	Unread      int     `json:"unread"`
}

// NewMessage is the insert payload. ClientID is the sender's temporary id
// and makes the insert idempotent.
type NewMessage struct {
	OwnerID    string `json:"owner_id"`
	ClientID   string `json:"client_id"`
	SenderID   string `json:"sender_id"`
	SenderRole Role   `json:"sender_role"`
	Body       string `json:"body"`
}

// Presence is the ephemeral typing signal shared on a conversation channel.
type Presence struct {
	SenderID string    `json:"sender_id"`
	Role     Role      `json:"role"`
	Typing   bool      `json:"typing"`
	At       time.Time `json:"at"`
}
