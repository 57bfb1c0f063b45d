package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/djamkenny/hairbookery-sub000/internal/clock"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

// Conversation is the operator's view of one owner's thread. It is derived
// from the message log and never stored.
type Conversation struct {
	Owner       domain.Profile
	LastMessage domain.Message
	UnreadCount int
	Count       int
}

// BuildConversations joins per-owner summaries with display identities and
// orders them by most recent activity first. Owners without a profile are
// shown by id.
func BuildConversations(sums []domain.ConversationSummary, profiles map[string]domain.Profile) []Conversation {
	out := make([]Conversation, 0, len(sums))
	for _, sum := range sums {
		p, known := profiles[sum.OwnerID]
		if !known {
			p = domain.Profile{ID: sum.OwnerID}
		}
		out = append(out, Conversation{
			Owner:       p,
			LastMessage: sum.LastMessage,
			UnreadCount: sum.Unread,
			Count:       sum.Count,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return laterThan(&out[i].LastMessage, &out[j].LastMessage)
	})
	return out
}

func laterThan(a, b *domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}

// Matches reports whether the conversation matches a case-insensitive
// search over owner name, email and last message body.
func (c Conversation) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{c.Owner.Name, c.Owner.Email, c.LastMessage.Body} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

type InboxOptions struct {
	SelfID    string
	Store     InboxStore
	Transport realtime.Transport
	Clock     clock.Clock
	Logger    *slog.Logger
	// Session configures the session bound to the selected conversation.
	// Owner, role, store, transport, clock and callbacks are filled in.
	Session Options
	Monitor MonitorConfig

	OnChange func()
	OnNotice func(Notice)
}

// Inbox is the operator surface. It keeps the conversation projection
// fresh from the store-wide inbox channel and binds one session to the
// selected conversation.
type Inbox struct {
	opts    InboxOptions
	logger  *slog.Logger
	monitor *Monitor

	// selectMu serializes session rebinding.
	selectMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	summaries []domain.ConversationSummary
	profiles  map[string]domain.Profile
	readMarks map[string]int64
	// projGen changes whenever the projection is edited locally, so a
	// refresh that read the store before the edit is discarded.
	projGen      uint64
	filter       string
	selected     string
	session      *Session
	refreshing   bool
	refreshAgain bool
	joinedOnce   bool
	closed       bool
}

func NewInbox(opts InboxOptions) (*Inbox, error) {
	if opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("chat: store and transport are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	in := &Inbox{
		opts:      opts,
		logger:    opts.Logger.With("surface", "inbox"),
		profiles:  make(map[string]domain.Profile),
		readMarks: make(map[string]int64),
	}
	in.ctx, in.cancel = context.WithCancel(context.Background())
	in.monitor = NewMonitor(realtime.InboxChannel, opts.Transport, realtime.Handlers{
		OnInsert: func(domain.Message) { in.refreshAsync() },
	}, opts.Clock, opts.Logger, opts.Monitor)
	in.monitor.OnChange = func() {
		// Catch up on anything missed while the inbox channel was down.
		// The first join is covered by the refresh in Start.
		if in.monitor.Connected() {
			in.mu.Lock()
			rejoin := in.joinedOnce
			in.joinedOnce = true
			in.mu.Unlock()
			if rejoin {
				in.refreshAsync()
			}
		}
		in.changed()
	}
	in.monitor.OnExhausted = func() {
		in.notice(Notice{Kind: NoticeReconnectExhausted})
	}
	return in, nil
}

// Start subscribes to the inbox channel and builds the first projection.
func (in *Inbox) Start(ctx context.Context) error {
	in.monitor.Start(in.ctx)
	return in.Refresh(ctx)
}

// Refresh re-derives the projection from the store. Calls made while a
// refresh is running are coalesced into one more pass.
func (in *Inbox) Refresh(ctx context.Context) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrSessionClosed
	}
	if in.refreshing {
		in.refreshAgain = true
		in.mu.Unlock()
		return nil
	}
	in.refreshing = true
	in.mu.Unlock()

	for {
		in.mu.Lock()
		gen := in.projGen
		marks := make(map[string]int64, len(in.readMarks))
		for owner, seq := range in.readMarks {
			marks[owner] = seq
		}
		in.mu.Unlock()

		sums, err := in.opts.Store.Summaries(ctx, marks)
		if err == nil {
			in.resolveProfiles(ctx, sums)
		}

		in.mu.Lock()
		if in.closed {
			in.refreshing = false
			in.mu.Unlock()
			return ErrSessionClosed
		}
		if err != nil {
			in.refreshing = false
			in.refreshAgain = false
			in.mu.Unlock()
			in.logger.Warn("refresh conversations", "error", err)
			in.notice(Notice{Kind: NoticeRefreshFailed, Err: err})
			return err
		}
		if gen != in.projGen {
			// Archived or read meanwhile: read the store again.
			in.mu.Unlock()
			continue
		}
		in.summaries = sums
		in.markSelectedReadLocked()
		again := in.refreshAgain
		in.refreshAgain = false
		if !again {
			in.refreshing = false
		}
		in.mu.Unlock()

		if !again {
			in.changed()
			return nil
		}
	}
}

func (in *Inbox) refreshAsync() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.wg.Add(1)
	ctx := in.ctx
	in.mu.Unlock()

	go func() {
		defer in.wg.Done()
		_ = in.Refresh(ctx)
	}()
}

// resolveProfiles fetches display identities for owners not seen before.
// Failures leave the owner shown by id.
func (in *Inbox) resolveProfiles(ctx context.Context, sums []domain.ConversationSummary) {
	in.mu.Lock()
	var missing []string
	for _, sum := range sums {
		if _, ok := in.profiles[sum.OwnerID]; !ok {
			missing = append(missing, sum.OwnerID)
		}
	}
	in.mu.Unlock()
	if len(missing) == 0 {
		return
	}

	profiles, err := in.opts.Store.Profiles(ctx, missing)
	if err != nil {
		in.logger.Warn("load profiles", "count", len(missing), "error", err)
		return
	}
	in.mu.Lock()
	for _, p := range profiles {
		in.profiles[p.ID] = p
	}
	in.mu.Unlock()
}

// Conversations returns the projection filtered by the current search.
func (in *Inbox) Conversations() []Conversation {
	in.mu.Lock()
	defer in.mu.Unlock()
	all := BuildConversations(in.summaries, in.profiles)
	out := all[:0]
	for _, c := range all {
		if c.Matches(in.filter) {
			out = append(out, c)
		}
	}
	return out
}

func (in *Inbox) SetFilter(query string) {
	in.mu.Lock()
	in.filter = query
	in.mu.Unlock()
	in.changed()
}

func (in *Inbox) Filter() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.filter
}

// Select binds the session to ownerID. The previous session is closed,
// releasing its subscription, before the next one subscribes.
func (in *Inbox) Select(ctx context.Context, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return &domain.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	in.selectMu.Lock()
	defer in.selectMu.Unlock()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrSessionClosed
	}
	if in.selected == ownerID && in.session != nil {
		in.mu.Unlock()
		return nil
	}
	old := in.session
	in.session, in.selected = nil, ""
	in.mu.Unlock()

	if old != nil {
		old.Close()
	}

	opts := in.opts.Session
	opts.OwnerID = ownerID
	opts.SelfID = in.opts.SelfID
	opts.Role = domain.RoleAdmin
	opts.Store = in.opts.Store
	opts.Transport = in.opts.Transport
	opts.Clock = in.opts.Clock
	opts.Logger = in.opts.Logger
	opts.Monitor = in.opts.Monitor
	opts.OnNotice = in.opts.OnNotice
	var session *Session
	opts.OnChange = func() {
		if session != nil {
			session.MarkAsRead()
		}
		in.changed()
	}
	session, err := NewSession(opts)
	if err != nil {
		return err
	}

	in.mu.Lock()
	in.session, in.selected = session, ownerID
	in.markSelectedReadLocked()
	in.mu.Unlock()

	// A history failure is reported through OnNotice; the conversation
	// stays selected and can be reloaded.
	_ = session.Start(ctx)
	in.changed()
	return nil
}

// Deselect closes the bound session, if any.
func (in *Inbox) Deselect() {
	in.selectMu.Lock()
	defer in.selectMu.Unlock()

	in.mu.Lock()
	old := in.session
	in.session, in.selected = nil, ""
	in.mu.Unlock()
	if old != nil {
		old.Close()
		in.changed()
	}
}

// Session returns the session bound to the selected conversation, or nil.
func (in *Inbox) Session() *Session {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.session
}

func (in *Inbox) Selected() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.selected
}

func (in *Inbox) Connected() bool { return in.monitor.Connected() }

// MarkRead clears the unread count of a conversation. Read marks are local
// to this inbox.
func (in *Inbox) MarkRead(ownerID string) {
	in.mu.Lock()
	in.markReadLocked(ownerID)
	in.projGen++
	session := in.session
	selected := in.selected
	in.mu.Unlock()
	if session != nil && selected == ownerID {
		session.MarkAsRead()
	}
	in.changed()
}

// Archive deletes every message of ownerID, drops the conversation from
// the projection and deselects it if it was open.
func (in *Inbox) Archive(ctx context.Context, ownerID string) error {
	if err := in.opts.Store.DeleteAll(ctx, ownerID); err != nil {
		in.logger.Warn("archive conversation", "owner_id", ownerID, "error", err)
		in.notice(Notice{Kind: NoticeArchiveFailed, OwnerID: ownerID, Err: err})
		return err
	}

	in.mu.Lock()
	kept := make([]domain.ConversationSummary, 0, len(in.summaries))
	for _, sum := range in.summaries {
		if sum.OwnerID != ownerID {
			kept = append(kept, sum)
		}
	}
	in.summaries = kept
	delete(in.readMarks, ownerID)
	in.projGen++
	wasSelected := in.selected == ownerID
	in.mu.Unlock()

	if wasSelected {
		in.Deselect()
	}
	in.changed()
	return nil
}

// Close releases the inbox channel and the bound session and waits for
// background refreshes.
func (in *Inbox) Close() {
	in.selectMu.Lock()
	defer in.selectMu.Unlock()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	session := in.session
	in.session, in.selected = nil, ""
	in.cancel()
	in.mu.Unlock()

	in.monitor.Stop()
	if session != nil {
		session.Close()
	}
	in.wg.Wait()
}

// markSelectedReadLocked keeps the open conversation read while the
// operator is looking at it.
func (in *Inbox) markSelectedReadLocked() {
	if in.selected != "" {
		in.markReadLocked(in.selected)
	}
}

// markReadLocked moves the read mark to the newest message known for
// ownerID and clears its unread count.
func (in *Inbox) markReadLocked(ownerID string) {
	for i := range in.summaries {
		sum := &in.summaries[i]
		if sum.OwnerID != ownerID {
			continue
		}
		if sum.LastMessage.Seq > in.readMarks[ownerID] {
			in.readMarks[ownerID] = sum.LastMessage.Seq
		}
		sum.Unread = 0
		return
	}
}

func (in *Inbox) changed() {
	if in.opts.OnChange != nil {
		in.opts.OnChange()
	}
}

func (in *Inbox) notice(n Notice) {
	if in.opts.OnNotice != nil {
		in.opts.OnNotice(n)
	}
}
