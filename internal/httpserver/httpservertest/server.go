// Package httpservertest starts the full chat API on an in-memory database
// for tests of the server and of its clients.
package httpservertest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/djamkenny/hairbookery-sub000/internal/broker"
	"github.com/djamkenny/hairbookery-sub000/internal/config"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/httpserver"
	"github.com/djamkenny/hairbookery-sub000/internal/obs"
	"github.com/djamkenny/hairbookery-sub000/internal/security"
	"github.com/djamkenny/hairbookery-sub000/internal/service"
	"github.com/djamkenny/hairbookery-sub000/internal/store/sqlite"
	"github.com/djamkenny/hairbookery-sub000/internal/ws"
)

const AdminPassword = "operator-pass"

type Server struct {
	*httptest.Server
	Auth   *service.AuthService
	Tokens *security.TokenService
	Broker *broker.Local
	Admin  *domain.User
}

// WSURL is the websocket endpoint of the server.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Register creates a customer and returns it with an access token.
func (s *Server) Register(t *testing.T, name, email string) (*domain.User, string) {
	t.Helper()
	u, err := s.Auth.Register(context.Background(), service.RegisterInput{Name: name, Email: email, Password: "password-123"})
	require.NoError(t, err)
	token, err := s.Tokens.CreateForUser(u)
	require.NoError(t, err)
	return u, token
}

// AdminToken returns an access token for the bootstrap operator.
func (s *Server) AdminToken(t *testing.T) string {
	t.Helper()
	token, err := s.Tokens.CreateForUser(s.Admin)
	require.NoError(t, err)
	return token
}

func New(t *testing.T) *Server {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Env:                        "test",
		CORSOrigins:                []string{"*"},
		MaxMessagesPerConversation: 1000,
		HistoryMaxLimit:            500,
		PingInterval:               30 * time.Second,
		PongWait:                   60 * time.Second,
	}
	logger := obs.Discard()

	enc, err := security.NewEncryptor([]byte("test-encryption-key"), nil)
	require.NoError(t, err)
	tokens := security.NewTokenService("test-secret", time.Hour)
	users := sqlite.NewUserRepo(db)
	bus := broker.NewLocal()
	hub := ws.NewHub()
	unsubscribe, err := bus.Subscribe(hub.Dispatch)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)

	auth := service.NewAuthService(users, tokens, security.NewPasswordHasher(4))
	admin, err := auth.EnsureAdmin(context.Background(), service.RegisterInput{
		Name: "Support", Email: "support@example.com", Password: AdminPassword,
	})
	require.NoError(t, err)

	router := httpserver.NewRouter(httpserver.Deps{
		Config:    cfg,
		Logger:    logger,
		Users:     users,
		Tokens:    tokens,
		Auth:      auth,
		UserSvc:   service.NewUserService(users),
		Messages:  service.NewMessageService(sqlite.NewMessageRepo(db), enc, bus, logger, cfg.MaxMessagesPerConversation, cfg.HistoryMaxLimit),
		Hub:       hub,
		Publisher: bus,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &Server{Server: srv, Auth: auth, Tokens: tokens, Broker: bus, Admin: admin}
}
