package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djamkenny/hairbookery-sub000/internal/clock"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/obs"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

var (
	epoch      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	errOffline = errors.New("network unreachable")
)

// fakeStore is an in-memory message log, idempotent on ClientID like the
// real server. When transport is set, inserts are echoed on the
// conversation and inbox channels before Insert returns.
type fakeStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	transport *fakeTransport
	rows      []*domain.Message
	profiles  map[string]domain.Profile
	seq       int64
	inserted  []string

	failInserts int
	lostAcks    int
	queryErr    error
	deleteErr   error

	beforeInsert   func()
	beforeQuery    func()
	afterSummaries func()
}

func newFakeStore(clk clock.Clock) *fakeStore {
	return &fakeStore{clock: clk, profiles: make(map[string]domain.Profile)}
}

func (s *fakeStore) seed(owner string, role domain.Role, body string, at time.Time) *domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m := &domain.Message{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		SenderID:   owner,
		SenderRole: role,
		Body:       body,
		CreatedAt:  at,
		Seq:        s.seq,
	}
	s.rows = append(s.rows, m)
	return m
}

func (s *fakeStore) Insert(_ context.Context, nm domain.NewMessage) (*domain.Message, error) {
	if s.beforeInsert != nil {
		s.beforeInsert()
	}

	s.mu.Lock()
	if s.failInserts > 0 {
		s.failInserts--
		s.mu.Unlock()
		return nil, &domain.StoreError{Op: "insert", Err: errOffline}
	}
	for _, r := range s.rows {
		if nm.ClientID != "" && r.ClientID == nm.ClientID {
			cp := *r
			s.mu.Unlock()
			return &cp, nil
		}
	}
	s.seq++
	m := &domain.Message{
		ID:         uuid.NewString(),
		OwnerID:    nm.OwnerID,
		ClientID:   nm.ClientID,
		SenderID:   nm.SenderID,
		SenderRole: nm.SenderRole,
		Body:       nm.Body,
		CreatedAt:  s.clock.Now(),
		Seq:        s.seq,
	}
	s.rows = append(s.rows, m)
	s.inserted = append(s.inserted, nm.Body)
	lost := s.lostAcks > 0
	if lost {
		s.lostAcks--
	}
	transport := s.transport
	cp := *m
	s.mu.Unlock()

	if transport != nil {
		transport.Publish(realtime.Frame{Type: realtime.TypeInsert, Channel: realtime.ConversationChannel(m.OwnerID), Message: &cp})
		transport.Publish(realtime.Frame{Type: realtime.TypeInsert, Channel: realtime.InboxChannel, Message: &cp})
	}
	if lost {
		return nil, &domain.StoreError{Op: "insert", Err: errOffline}
	}
	return &cp, nil
}

func (s *fakeStore) Query(_ context.Context, owner string, limit int) ([]*domain.Message, error) {
	if s.beforeQuery != nil {
		s.beforeQuery()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, &domain.StoreError{Op: "query", Err: s.queryErr}
	}
	var out []*domain.Message
	for _, r := range s.rows {
		if r.OwnerID == owner {
			cp := *r
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Summaries aggregates rows per owner the way the server does.
// afterSummaries runs once the rows are read, before the result returns.
func (s *fakeStore) Summaries(_ context.Context, readMarks map[string]int64) ([]domain.ConversationSummary, error) {
	s.mu.Lock()
	if s.queryErr != nil {
		err := s.queryErr
		s.mu.Unlock()
		return nil, &domain.StoreError{Op: "summaries", Err: err}
	}
	byOwner := make(map[string]*domain.ConversationSummary)
	var order []string
	for _, r := range s.rows {
		sum, ok := byOwner[r.OwnerID]
		if !ok {
			sum = &domain.ConversationSummary{OwnerID: r.OwnerID, LastMessage: *r}
			byOwner[r.OwnerID] = sum
			order = append(order, r.OwnerID)
		}
		sum.Count++
		if laterThan(r, &sum.LastMessage) {
			sum.LastMessage = *r
		}
		if r.SenderRole == domain.RoleUser && r.Seq > readMarks[r.OwnerID] {
			sum.Unread++
		}
	}
	out := make([]domain.ConversationSummary, 0, len(order))
	for _, owner := range order {
		out = append(out, *byOwner[owner])
	}
	s.mu.Unlock()

	if s.afterSummaries != nil {
		s.afterSummaries()
	}
	return out, nil
}

func (s *fakeStore) DeleteAll(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return &domain.StoreError{Op: "delete", Err: s.deleteErr}
	}
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.OwnerID != owner {
			kept = append(kept, r)
		}
	}
	s.rows = kept
	return nil
}

func (s *fakeStore) Profiles(_ context.Context, ids []string) ([]domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Profile
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) Inserted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inserted...)
}

func (s *fakeStore) RowCount(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.OwnerID == owner {
			n++
		}
	}
	return n
}

// fakeTransport hands out fakeSubs. With autoJoin, a new handle is already
// joined when Subscribe returns.
type fakeTransport struct {
	mu        sync.Mutex
	autoJoin  bool
	failNext  int
	failAll   bool
	subs      []*fakeSub
	calls     int
	openAtSub []int
}

func (t *fakeTransport) Subscribe(_ context.Context, channel string, h realtime.Handlers) (realtime.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	open := 0
	for _, s := range t.subs {
		if s.channel == channel && !s.isClosed() {
			open++
		}
	}
	t.openAtSub = append(t.openAtSub, open)

	if t.failAll || t.failNext > 0 {
		if t.failNext > 0 {
			t.failNext--
		}
		return nil, &domain.SubscriptionError{Channel: channel, Err: errOffline}
	}
	sub := &fakeSub{channel: channel, handlers: h, status: realtime.StatusJoining}
	if t.autoJoin {
		sub.status = realtime.StatusJoined
	}
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *fakeTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTransport) Last() *fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

func (t *fakeTransport) SubsFor(channel string) []*fakeSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*fakeSub
	for _, s := range t.subs {
		if s.channel == channel {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers f to every open subscription of its channel.
func (t *fakeTransport) Publish(f realtime.Frame) {
	for _, s := range t.SubsFor(f.Channel) {
		if !s.isClosed() {
			s.handlers.Dispatch(f)
		}
	}
}

type fakeSub struct {
	channel  string
	handlers realtime.Handlers

	mu      sync.Mutex
	status  realtime.Status
	closed  bool
	tracked []domain.Presence
}

func (s *fakeSub) Channel() string { return s.channel }

func (s *fakeSub) Status() realtime.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSub) Track(p domain.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, p)
	return nil
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.status = realtime.StatusClosed
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) Tracked() []domain.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Presence(nil), s.tracked...)
}

// Join completes a pending join.
func (s *fakeSub) Join() { s.emit(realtime.StatusJoined, nil) }

// Drop fails the subscription the way a transport error would.
func (s *fakeSub) Drop() {
	s.emit(realtime.StatusErrored, &domain.SubscriptionError{Channel: s.channel, Err: errOffline})
}

// Fade changes status without reporting it, as a transport that never
// pushes disconnects.
func (s *fakeSub) Fade() {
	s.mu.Lock()
	s.status = realtime.StatusClosed
	s.mu.Unlock()
}

func (s *fakeSub) emit(st realtime.Status, err error) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	if s.handlers.OnStatus != nil {
		s.handlers.OnStatus(st, err)
	}
}

// noticeLog records notices for assertions.
type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) count(kind NoticeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	clock     *clock.FakeClock
	store     *fakeStore
	transport *fakeTransport
	notices   *noticeLog
}

func newHarness() *harness {
	clk := clock.Fake(epoch)
	return &harness{
		clock:     clk,
		store:     newFakeStore(clk),
		transport: &fakeTransport{autoJoin: true},
		notices:   &noticeLog{},
	}
}

func (h *harness) options(owner, self string, role domain.Role) Options {
	return Options{
		OwnerID:   owner,
		SelfID:    self,
		Role:      role,
		Store:     h.store,
		Transport: h.transport,
		Clock:     h.clock,
		Logger:    obs.Discard(),
		OnNotice:  h.notices.add,
	}
}

func (h *harness) session(t *testing.T, owner, self string, role domain.Role) *Session {
	t.Helper()
	s, err := NewSession(h.options(owner, self, role))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func bodies(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func statuses(msgs []Message) []DeliveryStatus {
	out := make([]DeliveryStatus, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Status)
	}
	return out
}
