package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djamkenny/hairbookery-sub000/internal/broker"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/obs"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
	"github.com/djamkenny/hairbookery-sub000/internal/security"
)

type staticUsers map[string]*domain.User

func (s staticUsers) Create(context.Context, *domain.User) error { return nil }

func (s staticUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	if u, ok := s[id]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

func (s staticUsers) GetByEmail(context.Context, string) (*domain.User, error) {
	return nil, domain.ErrNotFound
}

func (s staticUsers) ListByIDs(context.Context, []string) ([]*domain.User, error) { return nil, nil }

type wsFixture struct {
	srv    *httptest.Server
	hub    *Hub
	bus    *broker.Local
	tokens *security.TokenService
}

func newFixture(t *testing.T) *wsFixture {
	t.Helper()
	users := staticUsers{
		"u1": {ID: "u1", Role: domain.RoleUser, IsActive: true},
		"a1": {ID: "a1", Role: domain.RoleAdmin, IsActive: true},
	}
	tokens := security.NewTokenService("ws-secret", time.Hour)
	hub := NewHub()
	bus := broker.NewLocal()
	unsubscribe, err := bus.Subscribe(hub.Dispatch)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)

	h := MakeHandler(hub, tokens, users, bus, Config{PingInterval: time.Second, PongWait: 2 * time.Second}, obs.Discard())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, hub: hub, bus: bus, tokens: tokens}
}

func (f *wsFixture) dial(t *testing.T, userID string, role domain.Role) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.CreateWithTTL(userID, role, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f realtime.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestJoinAndReceiveInsert(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1", domain.RoleUser)

	require.NoError(t, conn.WriteJSON(realtime.Frame{Type: realtime.TypeJoin, Channel: "chat:u1"}))
	joined := readFrame(t, conn)
	assert.Equal(t, realtime.TypeJoined, joined.Type)
	assert.Equal(t, "chat:u1", joined.Channel)

	msg := &domain.Message{ID: "m1", OwnerID: "u1", Body: "hi"}
	require.NoError(t, f.bus.Publish(context.Background(), realtime.Frame{Type: realtime.TypeInsert, Channel: "chat:u1", Message: msg}))

	got := readFrame(t, conn)
	assert.Equal(t, realtime.TypeInsert, got.Type)
	require.NotNil(t, got.Message)
	assert.Equal(t, "m1", got.Message.ID)
}

func TestJoinForeignChannelIsRejected(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "u1", domain.RoleUser)

	require.NoError(t, conn.WriteJSON(realtime.Frame{Type: realtime.TypeJoin, Channel: realtime.InboxChannel}))
	got := readFrame(t, conn)
	assert.Equal(t, realtime.TypeError, got.Type)
	assert.Equal(t, 0, f.hub.Count(realtime.InboxChannel))
}

func TestPresenceIsStampedWithSender(t *testing.T) {
	f := newFixture(t)
	customer := f.dial(t, "u1", domain.RoleUser)
	admin := f.dial(t, "a1", domain.RoleAdmin)

	for _, c := range []*websocket.Conn{customer, admin} {
		require.NoError(t, c.WriteJSON(realtime.Frame{Type: realtime.TypeJoin, Channel: "chat:u1"}))
		require.Equal(t, realtime.TypeJoined, readFrame(t, c).Type)
	}

	require.NoError(t, admin.WriteJSON(realtime.Frame{
		Type:     realtime.TypePresence,
		Channel:  "chat:u1",
		Presence: &domain.Presence{SenderID: "spoofed", Role: domain.RoleUser, Typing: true},
	}))

	got := readFrame(t, customer)
	assert.Equal(t, realtime.TypePresence, got.Type)
	require.NotNil(t, got.Presence)
	assert.Equal(t, "a1", got.Presence.SenderID)
	assert.Equal(t, domain.RoleAdmin, got.Presence.Role)
	assert.True(t, got.Presence.Typing)
}

func TestHandshakeRequiresToken(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	check := makeCheckOrigin([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}

func TestExtractTokenFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=abc", nil)
	token, err := extractTokenFromWSRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}
