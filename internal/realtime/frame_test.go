package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

func TestChannelNaming(t *testing.T) {
	ch := ConversationChannel("u-42")
	assert.Equal(t, "chat:u-42", ch)

	owner, ok := OwnerOf(ch)
	assert.True(t, ok)
	assert.Equal(t, "u-42", owner)

	_, ok = OwnerOf(InboxChannel)
	assert.False(t, ok)
	_, ok = OwnerOf("chat:")
	assert.False(t, ok)
	_, ok = OwnerOf("room:1")
	assert.False(t, ok)
}

func TestCanJoin(t *testing.T) {
	cases := []struct {
		name    string
		userID  string
		role    domain.Role
		channel string
		want    bool
	}{
		{"user own conversation", "u1", domain.RoleUser, "chat:u1", true},
		{"user foreign conversation", "u1", domain.RoleUser, "chat:u2", false},
		{"user inbox", "u1", domain.RoleUser, InboxChannel, false},
		{"admin any conversation", "a1", domain.RoleAdmin, "chat:u2", true},
		{"admin inbox", "a1", domain.RoleAdmin, InboxChannel, true},
		{"unknown role", "x", domain.RoleUnknown, "chat:x", false},
		{"malformed channel", "a1", domain.RoleAdmin, "lobby", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanJoin(tc.userID, tc.role, tc.channel))
		})
	}
}

func TestHandlersDispatch(t *testing.T) {
	var inserted, updated []string
	var typing []bool
	h := Handlers{
		OnInsert:   func(m domain.Message) { inserted = append(inserted, m.ID) },
		OnUpdate:   func(m domain.Message) { updated = append(updated, m.ID) },
		OnPresence: func(p domain.Presence) { typing = append(typing, p.Typing) },
	}

	h.Dispatch(Frame{Type: TypeInsert, Message: &domain.Message{ID: "m1"}})
	h.Dispatch(Frame{Type: TypeUpdate, Message: &domain.Message{ID: "m1"}})
	h.Dispatch(Frame{Type: TypePresence, Presence: &domain.Presence{Typing: true}})
	h.Dispatch(Frame{Type: TypeInsert})
	Handlers{}.Dispatch(Frame{Type: TypeInsert, Message: &domain.Message{ID: "m2"}})

	assert.Equal(t, []string{"m1"}, inserted)
	assert.Equal(t, []string{"m1"}, updated)
	assert.Equal(t, []bool{true}, typing)
}
