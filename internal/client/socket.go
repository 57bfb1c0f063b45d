package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

const (
	socketWriteWait = 10 * time.Second
	// DefaultReadWait matches the server's pong wait: it pings well within
	// this window.
	DefaultReadWait = 60 * time.Second
)

// Socket opens one websocket per subscription, so a reconnect always
// starts from a fresh handle.
type Socket struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger

	// ReadWait is how long a subscription waits for any frame or ping
	// before it reports the connection errored.
	ReadWait time.Duration
}

func NewSocket(wsURL, token string, logger *slog.Logger) *Socket {
	return &Socket{
		url:      wsURL,
		token:    token,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
		ReadWait: DefaultReadWait,
	}
}

var _ realtime.Transport = (*Socket)(nil)

// Subscribe dials the server and asks to join channel. The returned handle
// starts in StatusJoining; the join outcome arrives through h.OnStatus.
func (s *Socket) Subscribe(ctx context.Context, channel string, h realtime.Handlers) (realtime.Subscription, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, &domain.SubscriptionError{Channel: channel, Err: err}
	}

	readWait := s.ReadWait
	if readWait <= 0 {
		readWait = DefaultReadWait
	}
	sub := &subscription{
		channel:  channel,
		conn:     conn,
		handlers: h,
		readWait: readWait,
		status:   realtime.StatusJoining,
		logger:   s.logger.With("channel", channel),
	}
	// Server pings keep the read deadline moving; a silent server trips it.
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(socketWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	if err := sub.write(realtime.Frame{Type: realtime.TypeJoin, Channel: channel}); err != nil {
		conn.Close()
		return nil, &domain.SubscriptionError{Channel: channel, Err: err}
	}
	go sub.readLoop()
	return sub, nil
}

type subscription struct {
	channel  string
	conn     *websocket.Conn
	handlers realtime.Handlers
	readWait time.Duration
	logger   *slog.Logger

	wmu sync.Mutex

	mu     sync.Mutex
	status realtime.Status
	closed bool
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Status() realtime.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *subscription) Track(p domain.Presence) error {
	return s.write(realtime.Frame{Type: realtime.TypePresence, Channel: s.channel, Presence: &p})
}

// Close leaves the channel and drops the connection. Later calls are no-ops.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.write(realtime.Frame{Type: realtime.TypeLeave, Channel: s.channel})
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	err := s.conn.Close()
	s.setStatus(realtime.StatusClosed, nil)
	return err
}

func (s *subscription) write(f realtime.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return s.conn.WriteJSON(f)
}

// setStatus records a transition and reports it. Closed is terminal.
func (s *subscription) setStatus(st realtime.Status, err error) {
	s.mu.Lock()
	if s.status == st || s.status == realtime.StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()

	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(st, err)
	}
}

func (s *subscription) readLoop() {
	for {
		var f realtime.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Debug("realtime read", "error", err)
			s.setStatus(realtime.StatusErrored, &domain.SubscriptionError{Channel: s.channel, Err: err})
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readWait))

		switch f.Type {
		case realtime.TypeJoined:
			s.setStatus(realtime.StatusJoined, nil)
		case realtime.TypeError:
			if s.Status() == realtime.StatusJoining {
				s.setStatus(realtime.StatusErrored, &domain.SubscriptionError{Channel: s.channel, Err: errors.New(f.Error)})
				continue
			}
			s.logger.Warn("realtime server error", "error", f.Error)
		default:
			if f.Channel == s.channel {
				s.handlers.Dispatch(f)
			}
		}
	}
}
