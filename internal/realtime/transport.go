package realtime

import (
	"context"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// Status is the lifecycle of one subscription handle.
type Status int

const (
	StatusJoining Status = iota
	StatusJoined
	StatusClosed
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusJoined:
		return "joined"
	case StatusClosed:
		return "closed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Handlers receive the events of a subscription. Any of them may be nil.
// Delivery is at-least-once; consumers deduplicate by message id.
type Handlers struct {
	OnInsert   func(domain.Message)
	OnUpdate   func(domain.Message)
	OnPresence func(domain.Presence)
	// OnStatus reports transitions; err is set for StatusErrored.
	OnStatus func(Status, error)
}

// Subscription is an explicitly released handle on a channel.
type Subscription interface {
	Channel() string
	Status() Status
	// Track publishes a presence payload. Best-effort.
	Track(p domain.Presence) error
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Transport opens subscriptions. Each call yields an independent handle.
type Transport interface {
	Subscribe(ctx context.Context, channel string, h Handlers) (Subscription, error)
}

// Dispatch routes an incoming frame to the matching handler.
func (h Handlers) Dispatch(f Frame) {
	switch f.Type {
	case TypeInsert:
		if h.OnInsert != nil && f.Message != nil {
			h.OnInsert(*f.Message)
		}
	case TypeUpdate:
		if h.OnUpdate != nil && f.Message != nil {
			h.OnUpdate(*f.Message)
		}
	case TypePresence:
		if h.OnPresence != nil && f.Presence != nil {
			h.OnPresence(*f.Presence)
		}
	}
}
