package chat

import "fmt"

type NoticeKind int

const (
	NoticeHistoryFailed NoticeKind = iota + 1
	NoticeSendFailed
	NoticeQueued
	NoticeFlushFailed
	NoticeReconnectExhausted
	NoticeClearFailed
	NoticeRefreshFailed
	NoticeArchiveFailed
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeHistoryFailed:
		return "history failed"
	case NoticeSendFailed:
		return "send failed"
	case NoticeQueued:
		return "queued"
	case NoticeFlushFailed:
		return "flush failed"
	case NoticeReconnectExhausted:
		return "reconnect exhausted"
	case NoticeClearFailed:
		return "clear failed"
	case NoticeRefreshFailed:
		return "refresh failed"
	case NoticeArchiveFailed:
		return "archive failed"
	default:
		return "unknown"
	}
}

// Notice is a non-blocking, user-visible event such as a toast.
type Notice struct {
	Kind      NoticeKind
	OwnerID   string
	MessageID string
	Err       error
}

func (n Notice) String() string {
	if n.Err != nil {
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	}
	return n.Kind.String()
}
