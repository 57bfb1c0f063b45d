// Package realtime holds what the websocket server and its clients share:
// the JSON frame exchanged on a connection, channel naming and the client
// side subscription contract.
package realtime

import (
	"strings"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// Frame types.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeJoined   = "joined"
	TypeInsert   = "insert"
	TypeUpdate   = "update"
	TypePresence = "presence"
	TypeError    = "error"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type     string           `json:"type"`
	Channel  string           `json:"channel,omitempty"`
	Message  *domain.Message  `json:"message,omitempty"`
	Presence *domain.Presence `json:"presence,omitempty"`
	Error    string           `json:"error,omitempty"`
}

const (
	conversationPrefix = "chat:"
	// InboxChannel carries a copy of every insert, for operator inboxes.
	InboxChannel = "chat:inbox"
)

// ConversationChannel names the channel scoped to one conversation owner.
func ConversationChannel(ownerID string) string {
	return conversationPrefix + ownerID
}

// OwnerOf returns the owner of a conversation channel.
func OwnerOf(channel string) (string, bool) {
	if channel == InboxChannel || !strings.HasPrefix(channel, conversationPrefix) {
		return "", false
	}
	owner := strings.TrimPrefix(channel, conversationPrefix)
	return owner, owner != ""
}

// CanJoin reports whether a principal may subscribe to channel. Users only
// see their own conversation; admins see every conversation and the inbox.
func CanJoin(userID string, role domain.Role, channel string) bool {
	if channel == InboxChannel {
		return role == domain.RoleAdmin
	}
	owner, ok := OwnerOf(channel)
	if !ok {
		return false
	}
	switch role {
	case domain.RoleAdmin:
		return true
	case domain.RoleUser:
		return owner == userID
	default:
		return false
	}
}
