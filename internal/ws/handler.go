package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
	"github.com/djamkenny/hairbookery-sub000/internal/security"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

// Publisher hands frames to the broker so every instance sees them.
type Publisher interface {
	Publish(ctx context.Context, f realtime.Frame) error
}

// Config carries the keepalive timings and the browser origin allowlist.
type Config struct {
	AllowedOrigins []string
	PingInterval   time.Duration
	PongWait       time.Duration
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts requests without an Origin header (non-browser
// clients such as chatctl) and browser requests from an allowed origin.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	_, allowAll := allowed["*"]

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || allowAll {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, nil
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns an HTTP handler for the /ws endpoint.
// Authenticates via Bearer token (Authorization header, Sec-WebSocket-Protocol
// or access_token query parameter), then serves channel frames:
//   - join     -> authorize, add to hub, reply joined
//   - leave    -> remove from hub
//   - presence -> stamp sender and publish to the channel
func MakeHandler(
	hub *Hub,
	tokens *security.TokenService,
	users domain.UserRepository,
	publisher Publisher,
	cfg Config,
	logger *slog.Logger,
) http.HandlerFunc {
	checkOrigin := makeCheckOrigin(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractTokenFromWSRequest(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := tokens.Parse(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		user, err := users.GetByID(r.Context(), claims.Subject)
		if err != nil || user == nil || !user.IsActive {
			http.Error(w, "user not found or inactive", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		peer := NewPeer(user.ID, conn)
		log := logger.With("user_id", user.ID, "role", user.Role.String())
		log.Debug("ws connected")
		defer func() {
			hub.LeaveAll(peer)
			log.Debug("ws disconnected")
		}()

		done := make(chan struct{})
		defer close(done)
		if cfg.PingInterval > 0 && cfg.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
			})
			go keepalive(peer, cfg.PingInterval, done)
		}

		// The request context ends with the upgrade on some servers, so
		// publishes use a detached context.
		ctx := context.WithoutCancel(r.Context())
		for {
			var in realtime.Frame
			if err := conn.ReadJSON(&in); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("ws read", "error", err)
				}
				return
			}

			switch in.Type {
			case realtime.TypeJoin:
				if !realtime.CanJoin(user.ID, user.Role, in.Channel) {
					sendError(peer, in.Channel, "not allowed for this channel")
					continue
				}
				hub.Join(in.Channel, peer)
				_ = peer.WriteFrame(realtime.Frame{Type: realtime.TypeJoined, Channel: in.Channel})

			case realtime.TypeLeave:
				hub.Leave(in.Channel, peer)

			case realtime.TypePresence:
				if in.Presence == nil || !realtime.CanJoin(user.ID, user.Role, in.Channel) {
					continue
				}
				p := *in.Presence
				p.SenderID = user.ID
				p.Role = user.Role
				p.At = time.Now().UTC()
				if err := publisher.Publish(ctx, realtime.Frame{Type: realtime.TypePresence, Channel: in.Channel, Presence: &p}); err != nil {
					log.Warn("publish presence", "channel", in.Channel, "error", err)
				}

			default:
				log.Debug("ws unknown frame type", "type", in.Type)
				sendError(peer, in.Channel, fmt.Sprintf("unknown frame type %q", in.Type))
			}
		}
	}
}

func keepalive(p *Peer, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.writePing(); err != nil {
				return
			}
		}
	}
}

func sendError(p *Peer, channel, msg string) {
	_ = p.WriteFrame(realtime.Frame{
		Type:    realtime.TypeError,
		Channel: channel,
		Error:   msg,
	})
}
