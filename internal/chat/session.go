package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djamkenny/hairbookery-sub000/internal/clock"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

// ErrSessionClosed is returned by operations on a torn-down session.
var ErrSessionClosed = errors.New("chat session closed")

const tempIDPrefix = "tmp-"

// DeliveryStatus is tracked on the client only.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

func (s DeliveryStatus) pending() bool {
	return s == StatusSending || s == StatusFailed
}

// Message is a stored or in-flight message with its local delivery status.
// While in flight, ID and ClientID both hold the temporary id.
type Message struct {
	domain.Message
	Status DeliveryStatus
}

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SendResult tells the caller what happened to a send.
type SendResult int

const (
	SendFailed SendResult = iota
	SendSent
	SendQueued
)

// State is a snapshot of a session for rendering.
type State struct {
	OwnerID      string
	Phase        Phase
	Messages     []Message
	Connected    bool
	Exhausted    bool
	RemoteTyping bool
	LocalTyping  bool
	Unread       int
	Queued       int
}

type Options struct {
	OwnerID   string
	SelfID    string
	Role      domain.Role
	Store     Store
	Transport realtime.Transport
	Clock     clock.Clock
	Logger    *slog.Logger

	HistoryLimit int
	// TypingTimeout clears the local typing signal after this much input
	// inactivity.
	TypingTimeout time.Duration
	// RemoteTypingTimeout clears the remote typing indicator when the
	// other party stops sending presence.
	RemoteTypingTimeout time.Duration
	Monitor             MonitorConfig

	// OnChange is called, without locks held, after every state change.
	OnChange func()
	OnNotice func(Notice)
}

const (
	DefaultHistoryLimit        = 50
	DefaultTypingTimeout       = time.Second
	DefaultRemoteTypingTimeout = 5 * time.Second
)

// Session is the live state of one conversation seen by one party. It is
// safe for concurrent use; store calls are made without the lock held.
type Session struct {
	opts    Options
	monitor *Monitor
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// idle is signalled when neither a direct delivery nor a flush runs.
	idle         *sync.Cond
	backoff      Backoff
	phase        Phase
	messages     []Message
	queue        []string
	flushing     bool
	delivering   bool
	flushFails   int
	flushTimer   *clock.Timer
	connected    bool
	unread       int
	localTyping  bool
	remoteTyping bool
	typingTimer  *clock.Timer
	remoteTimer  *clock.Timer
	closed       bool
}

func NewSession(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return nil, &domain.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if !opts.Role.Valid() {
		return nil, &domain.ValidationError{Field: "role", Reason: "must be user or admin"}
	}
	if opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("chat: store and transport are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.RemoteTypingTimeout <= 0 {
		opts.RemoteTypingTimeout = DefaultRemoteTypingTimeout
	}

	s := &Session{
		opts:    opts,
		logger:  opts.Logger.With("owner_id", opts.OwnerID, "role", opts.Role.String()),
		backoff: opts.Monitor.withDefaults().Backoff,
	}
	s.idle = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.monitor = NewMonitor(realtime.ConversationChannel(opts.OwnerID), opts.Transport, realtime.Handlers{
		OnInsert:   s.onInsert,
		OnUpdate:   s.onUpdate,
		OnPresence: s.onPresence,
	}, opts.Clock, opts.Logger, opts.Monitor)
	s.monitor.OnChange = s.onConnectivity
	s.monitor.OnExhausted = func() {
		s.notice(Notice{Kind: NoticeReconnectExhausted, OwnerID: opts.OwnerID})
		s.changed()
	}
	return s, nil
}

func (s *Session) OwnerID() string { return s.opts.OwnerID }

// Start subscribes to the conversation and loads its history. A history
// failure is reported but leaves the session usable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.monitor.Start(s.ctx)
	return s.LoadHistory(ctx)
}

// LoadHistory fetches the most recent page of the conversation, tags it
// delivered and replaces the list, keeping anything the subscription or the
// user added meanwhile.
func (s *Session) LoadHistory(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.phase = PhaseLoading
	s.mu.Unlock()
	s.changed()

	history, err := s.opts.Store.Query(ctx, s.opts.OwnerID, s.opts.HistoryLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.phase = PhaseReady
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("load history", "error", err)
		s.notice(Notice{Kind: NoticeHistoryFailed, OwnerID: s.opts.OwnerID, Err: err})
		s.changed()
		return err
	}
	s.mergeHistoryLocked(history)
	s.mu.Unlock()
	s.changed()
	return nil
}

func (s *Session) mergeHistoryLocked(history []*domain.Message) {
	merged := make([]Message, 0, len(history)+len(s.messages))
	for _, m := range history {
		merged = append(merged, Message{Message: *m, Status: StatusDelivered})
	}
	var tail []Message
	for _, m := range s.messages {
		if i := indexOf(merged, m.ID, m.ClientID); i >= 0 {
			s.dequeueLocked(m.ClientID)
			continue
		}
		if m.Status.pending() {
			tail = append(tail, m)
			continue
		}
		merged = insertOrdered(merged, m)
	}
	s.messages = append(merged, tail...)
}

// Send appends an optimistic message and delivers it, or queues it while
// the channel is down. Empty input is rejected without touching the store.
func (s *Session) Send(ctx context.Context, body string) (SendResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return SendFailed, &domain.ValidationError{Field: "body", Reason: "must not be empty"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SendFailed, ErrSessionClosed
	}
	tempID := tempIDPrefix + uuid.NewString()
	s.messages = append(s.messages, Message{
		Message: domain.Message{
			ID:         tempID,
			ClientID:   tempID,
			OwnerID:    s.opts.OwnerID,
			SenderID:   s.opts.SelfID,
			SenderRole: s.opts.Role,
			Body:       body,
			CreatedAt:  s.opts.Clock.Now(),
		},
		Status: StatusSending,
	})

	// Only one insert is in flight at a time, so the store assigns
	// createdAt in send order.
	if s.busyLocked() || !s.connected || len(s.queue) > 0 {
		s.queue = append(s.queue, tempID)
		kick := s.connected && !s.busyLocked()
		s.mu.Unlock()
		s.changed()
		s.notice(Notice{Kind: NoticeQueued, OwnerID: s.opts.OwnerID, MessageID: tempID})
		if kick {
			s.flushAsync()
		}
		return SendQueued, nil
	}
	s.delivering = true
	s.mu.Unlock()
	s.changed()

	if err := s.deliver(ctx, tempID); err != nil {
		return SendFailed, err
	}
	return SendSent, nil
}

// deliver inserts one local message. The caller has set s.delivering. On
// failure the message is marked failed and kept. Sends queued meanwhile
// are flushed afterwards.
func (s *Session) deliver(ctx context.Context, id string) error {
	nm, ok := s.prepare(id)
	if !ok {
		s.mu.Lock()
		s.endDeliveryLocked()
		s.mu.Unlock()
		return ErrSessionClosed
	}
	saved, err := s.opts.Store.Insert(ctx, nm)

	s.mu.Lock()
	kick := s.endDeliveryLocked()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	i := indexOf(s.messages, id, nm.ClientID)
	if err != nil {
		if i >= 0 && s.messages[i].Status == StatusSending {
			s.messages[i].Status = StatusFailed
		}
		s.mu.Unlock()
		s.logger.Warn("send message", "client_id", nm.ClientID, "error", err)
		s.notice(Notice{Kind: NoticeSendFailed, OwnerID: s.opts.OwnerID, MessageID: nm.ClientID, Err: err})
		s.changed()
		if kick {
			s.flushAsync()
		}
		return err
	}
	s.confirmLocked(i, saved)
	s.mu.Unlock()
	s.changed()
	if kick {
		s.flushAsync()
	}
	return nil
}

// endDeliveryLocked clears the delivering flag and reports whether queued
// sends are waiting for a flush.
func (s *Session) endDeliveryLocked() bool {
	s.delivering = false
	s.idle.Broadcast()
	return !s.closed && s.connected && !s.flushing && len(s.queue) > 0
}

func (s *Session) busyLocked() bool {
	return s.delivering || s.flushing
}

// prepare marks a local message sending and builds its insert payload.
func (s *Session) prepare(id string) (domain.NewMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewMessage{}, false
	}
	i := indexOf(s.messages, id, id)
	if i < 0 {
		return domain.NewMessage{}, false
	}
	m := &s.messages[i]
	if m.Status == StatusFailed {
		m.Status = StatusSending
	}
	return domain.NewMessage{
		OwnerID:    s.opts.OwnerID,
		ClientID:   m.ClientID,
		SenderID:   s.opts.SelfID,
		SenderRole: s.opts.Role,
		Body:       m.Body,
	}, true
}

// confirmLocked replaces an optimistic entry in place with the stored row
// and marks it sent.
func (s *Session) confirmLocked(i int, saved *domain.Message) {
	if i < 0 {
		return
	}
	if dup := indexOf(s.messages, saved.ID, ""); dup >= 0 && dup != i {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return
	}
	s.messages[i] = Message{Message: *saved, Status: StatusSent}
}

// FlushQueue sends queued messages in order. The first failure puts the
// message back at the head of the queue and stops the flush; another flush
// is scheduled with backoff while the channel stays up. Once the backoff
// attempts run out, the queued messages are marked failed so they can be
// retried one by one.
func (s *Session) FlushQueue(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.busyLocked() {
		s.mu.Unlock()
		return nil
	}
	s.flushing = true
	s.flushTimer.Stop()
	s.flushTimer = nil
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed || !s.connected || len(s.queue) == 0 {
			s.stopFlushLocked()
			if len(s.queue) == 0 {
				s.flushFails = 0
			}
			s.mu.Unlock()
			return nil
		}
		head := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		nm, ok := s.prepare(head)
		if !ok {
			continue
		}
		saved, err := s.opts.Store.Insert(ctx, nm)

		s.mu.Lock()
		if s.closed {
			s.stopFlushLocked()
			s.mu.Unlock()
			return ErrSessionClosed
		}
		i := indexOf(s.messages, head, head)
		if err != nil {
			if i >= 0 {
				s.queue = append([]string{head}, s.queue...)
			}
			s.stopFlushLocked()
			s.scheduleFlushLocked()
			s.mu.Unlock()
			s.logger.Warn("flush queued message", "client_id", head, "error", err)
			s.notice(Notice{Kind: NoticeFlushFailed, OwnerID: s.opts.OwnerID, MessageID: head, Err: err})
			s.changed()
			return err
		}
		s.confirmLocked(i, saved)
		s.mu.Unlock()
		s.changed()
	}
}

func (s *Session) stopFlushLocked() {
	s.flushing = false
	s.idle.Broadcast()
}

// scheduleFlushLocked arms the re-flush timer after a failed flush, or
// gives up on the queue once the backoff attempts are spent.
func (s *Session) scheduleFlushLocked() {
	if !s.connected || len(s.queue) == 0 {
		return
	}
	if s.flushFails >= s.backoff.MaxAttempts {
		for _, id := range s.queue {
			if i := indexOf(s.messages, id, id); i >= 0 && s.messages[i].Status == StatusSending {
				s.messages[i].Status = StatusFailed
			}
		}
		s.queue = nil
		s.flushFails = 0
		return
	}
	delay := s.backoff.Delay(s.flushFails)
	s.flushFails++
	s.flushTimer.Stop()
	s.flushTimer = s.opts.Clock.AfterFunc(delay, s.flushAsync)
}

func (s *Session) flushAsync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_ = s.FlushQueue(ctx)
	}()
}

// Retry re-attempts one failed message. While disconnected it is queued
// behind what is already waiting.
func (s *Session) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	i := indexOf(s.messages, id, id)
	if i < 0 {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if s.messages[i].Status != StatusFailed {
		s.mu.Unlock()
		return &domain.ValidationError{Field: "id", Reason: "message has not failed"}
	}
	tempID := s.messages[i].ClientID
	s.messages[i].Status = StatusSending
	if s.busyLocked() || !s.connected || len(s.queue) > 0 {
		s.queue = append(s.queue, tempID)
		kick := s.connected && !s.busyLocked()
		s.mu.Unlock()
		s.changed()
		if kick {
			s.flushAsync()
		}
		return nil
	}
	s.delivering = true
	s.mu.Unlock()
	s.changed()

	return s.deliver(ctx, tempID)
}

// SetTyping broadcasts the local typing signal. A typing signal clears
// itself after TypingTimeout without another call.
func (s *Session) SetTyping(typing bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.typingTimer.Stop()
	s.typingTimer = nil
	s.localTyping = typing
	if typing {
		s.typingTimer = s.opts.Clock.AfterFunc(s.opts.TypingTimeout, s.typingExpired)
	}
	s.mu.Unlock()

	s.track(typing)
	s.changed()
}

func (s *Session) typingExpired() {
	s.mu.Lock()
	if s.closed || !s.localTyping {
		s.mu.Unlock()
		return
	}
	s.localTyping = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.track(false)
	s.changed()
}

func (s *Session) track(typing bool) {
	err := s.monitor.Track(domain.Presence{
		SenderID: s.opts.SelfID,
		Role:     s.opts.Role,
		Typing:   typing,
		At:       s.opts.Clock.Now(),
	})
	if err != nil {
		s.logger.Debug("track presence", "error", err)
	}
}

// MarkAsRead resets the unread counter. It does not touch the store.
func (s *Session) MarkAsRead() {
	s.mu.Lock()
	if s.closed || s.unread == 0 {
		s.mu.Unlock()
		return
	}
	s.unread = 0
	s.mu.Unlock()
	s.changed()
}

// Reconnect resets the retry budget and subscribes again.
func (s *Session) Reconnect() {
	s.monitor.Retry()
}

// Reset forgets every local message and the queue, as when the
// conversation is deleted. It returns once no insert is in flight, so
// nothing sent before the call reaches the store afterwards.
func (s *Session) Reset() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.messages = nil
	s.queue = nil
	s.unread = 0
	s.flushFails = 0
	s.flushTimer.Stop()
	s.flushTimer = nil
	for s.busyLocked() && !s.closed {
		s.idle.Wait()
	}
	s.messages = nil
	s.unread = 0
	s.mu.Unlock()
	s.changed()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		OwnerID:      s.opts.OwnerID,
		Phase:        s.phase,
		Messages:     append([]Message(nil), s.messages...),
		Connected:    s.connected,
		Exhausted:    s.monitor.Exhausted(),
		RemoteTyping: s.remoteTyping,
		LocalTyping:  s.localTyping,
		Unread:       s.unread,
		Queued:       len(s.queue),
	}
}

// Close tears the session down: the subscription is released, every timer
// is stopped and in-flight work is cancelled and awaited. Nothing mutates
// the session afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.typingTimer.Stop()
	s.remoteTimer.Stop()
	s.flushTimer.Stop()
	s.typingTimer, s.remoteTimer, s.flushTimer = nil, nil, nil
	s.cancel()
	s.idle.Broadcast()
	s.mu.Unlock()

	s.monitor.Stop()
	s.wg.Wait()
}

func (s *Session) onConnectivity() {
	connected := s.monitor.Connected()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.connected
	s.connected = connected
	flush := connected && !prev && len(s.queue) > 0
	if connected != prev {
		s.flushFails = 0
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	if connected != prev {
		s.changed()
	}
	if flush {
		s.flushAsync()
	}
}

func (s *Session) onInsert(m domain.Message) {
	if m.OwnerID != s.opts.OwnerID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch {
	case m.ClientID != "" && indexOf(s.messages, "", m.ClientID) >= 0:
		// Echo of a local send: confirm it in place. It only becomes
		// delivered when read back from history.
		i := indexOf(s.messages, "", m.ClientID)
		status := StatusSent
		if s.messages[i].Status == StatusDelivered {
			status = StatusDelivered
		}
		s.messages[i] = Message{Message: m, Status: status}
		s.dequeueLocked(m.ClientID)
	case indexOf(s.messages, m.ID, "") >= 0:
		s.mu.Unlock()
		return
	default:
		s.messages = insertOrdered(s.messages, Message{Message: m, Status: StatusDelivered})
		if m.SenderRole != s.opts.Role {
			s.unread++
		}
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onUpdate(m domain.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := indexOf(s.messages, m.ID, "")
	if i < 0 {
		s.mu.Unlock()
		return
	}
	cur := &s.messages[i]
	if m.Body != "" {
		cur.Body = m.Body
	}
	if m.EditedAt != nil {
		cur.EditedAt = m.EditedAt
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) onPresence(p domain.Presence) {
	if p.Role == s.opts.Role {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.remoteTimer.Stop()
	s.remoteTimer = nil
	s.remoteTyping = p.Typing
	if p.Typing {
		s.remoteTimer = s.opts.Clock.AfterFunc(s.opts.RemoteTypingTimeout, s.remoteTypingExpired)
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) remoteTypingExpired() {
	s.mu.Lock()
	if s.closed || !s.remoteTyping {
		s.mu.Unlock()
		return
	}
	s.remoteTyping = false
	s.remoteTimer = nil
	s.mu.Unlock()
	s.changed()
}

func (s *Session) dequeueLocked(clientID string) {
	if clientID == "" {
		return
	}
	for i, id := range s.queue {
		if id == clientID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Session) changed() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

func (s *Session) notice(n Notice) {
	if s.opts.OnNotice != nil {
		s.opts.OnNotice(n)
	}
}

// indexOf finds a message by server id or by client id. Empty keys never
// match.
func indexOf(msgs []Message, id, clientID string) int {
	for i := range msgs {
		if id != "" && msgs[i].ID == id {
			return i
		}
		if clientID != "" && msgs[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// insertOrdered places a confirmed message by createdAt, after equal
// timestamps and before the trailing in-flight entries.
func insertOrdered(msgs []Message, m Message) []Message {
	i := len(msgs)
	for i > 0 && (msgs[i-1].Status.pending() || msgs[i-1].CreatedAt.After(m.CreatedAt)) {
		i--
	}
	msgs = append(msgs, Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}
