package chat

import (
	"context"
	"sync"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// Widget is the customer surface: one fixed conversation, the signed-in
// user's own, with open, minimize and clear-chat controls. While it is open
// and not minimized, incoming messages count as read.
type Widget struct {
	opts Options

	mu        sync.Mutex
	session   *Session
	open      bool
	minimized bool
}

// NewWidget binds a widget to the user's own conversation. opts.OwnerID is
// forced to opts.SelfID and opts.Role to user.
func NewWidget(opts Options) (*Widget, error) {
	w := &Widget{}
	onChange := opts.OnChange
	opts.OwnerID = opts.SelfID
	opts.Role = domain.RoleUser
	opts.OnChange = func() {
		w.autoRead()
		if onChange != nil {
			onChange()
		}
	}
	w.opts = opts

	session, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	w.session = session
	return w, nil
}

// Start mounts the widget's session: subscribe and load history.
func (w *Widget) Start(ctx context.Context) error {
	return w.session.Start(ctx)
}

func (w *Widget) Open() {
	w.mu.Lock()
	w.open = true
	w.minimized = false
	w.mu.Unlock()
	w.session.MarkAsRead()
	w.changed()
}

func (w *Widget) Close() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) Minimize() {
	w.mu.Lock()
	w.minimized = true
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) Restore() {
	w.mu.Lock()
	w.minimized = false
	w.mu.Unlock()
	w.session.MarkAsRead()
	w.changed()
}

func (w *Widget) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *Widget) IsMinimized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.minimized
}

// Welcome reports whether the empty-conversation greeting should show.
func (w *Widget) Welcome() bool {
	st := w.session.State()
	return st.Phase == PhaseReady && len(st.Messages) == 0
}

func (w *Widget) Send(ctx context.Context, body string) (SendResult, error) {
	return w.session.Send(ctx, body)
}

func (w *Widget) Retry(ctx context.Context, id string) error {
	return w.session.Retry(ctx, id)
}

func (w *Widget) SetTyping(typing bool) { w.session.SetTyping(typing) }

func (w *Widget) Reconnect() { w.session.Reconnect() }

func (w *Widget) State() State { return w.session.State() }

// ClearChat drops the local list and queue, waits out any insert in
// flight, then deletes every message of the user's conversation from the
// store. If the delete fails the stored history is loaded back.
func (w *Widget) ClearChat(ctx context.Context) error {
	w.session.Reset()
	if err := w.opts.Store.DeleteAll(ctx, w.opts.OwnerID); err != nil {
		w.session.logger.Warn("clear chat", "error", err)
		w.session.notice(Notice{Kind: NoticeClearFailed, OwnerID: w.opts.OwnerID, Err: err})
		_ = w.session.LoadHistory(ctx)
		return err
	}
	// Echoes of inserts that finished before the delete may have landed.
	w.session.Reset()
	return nil
}

// Shutdown unmounts the widget and tears its session down.
func (w *Widget) Shutdown() {
	w.session.Close()
}

func (w *Widget) autoRead() {
	w.mu.Lock()
	visible := w.open && !w.minimized
	session := w.session
	w.mu.Unlock()
	if visible && session != nil && session.State().Unread > 0 {
		session.MarkAsRead()
	}
}

func (w *Widget) changed() {
	if w.opts.OnChange != nil {
		w.opts.OnChange()
	}
}
