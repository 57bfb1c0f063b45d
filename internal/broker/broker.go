// Package broker fans realtime frames out to every server instance.
package broker

import (
	"context"
	"sync"

	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

// Broker publishes frames and delivers every published frame to all
// subscribed handlers, on this instance and any other sharing the broker.
type Broker interface {
	Publish(ctx context.Context, f realtime.Frame) error
	Subscribe(handler func(realtime.Frame)) (unsubscribe func(), err error)
	Close() error
}

// Local is an in-process Broker for single-instance deployments and tests.
// Handlers run synchronously on the publishing goroutine.
type Local struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(realtime.Frame)
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]func(realtime.Frame))}
}

var _ Broker = (*Local)(nil)

func (b *Local) Publish(_ context.Context, f realtime.Frame) error {
	b.mu.RLock()
	hs := make([]func(realtime.Frame), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(f)
	}
	return nil
}

func (b *Local) Subscribe(handler func(realtime.Frame)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}, nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]func(realtime.Frame))
	return nil
}
