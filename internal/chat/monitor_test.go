package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djamkenny/hairbookery-sub000/internal/obs"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

func newTestMonitor(h *harness) *Monitor {
	return NewMonitor("chat:u1", h.transport, realtime.Handlers{}, h.clock, obs.Discard(), MonitorConfig{})
}

func TestMonitorJoins(t *testing.T) {
	h := newHarness()
	m := newTestMonitor(h)
	var changes atomic.Int32
	m.OnChange = func() { changes.Add(1) }

	m.Start(context.Background())
	defer m.Stop()

	assert.True(t, m.Connected())
	assert.Equal(t, 1, h.transport.Calls())
	assert.Equal(t, int32(1), changes.Load())
}

func TestMonitorReconnectsWithBackoffAfterDrop(t *testing.T) {
	h := newHarness()
	m := newTestMonitor(h)
	m.Start(context.Background())
	defer m.Stop()

	first := h.transport.Last()
	first.Drop()
	assert.False(t, m.Connected())
	assert.Equal(t, 1, h.transport.Calls(), "retry waits for the backoff delay")

	h.clock.Advance(time.Second)
	assert.Equal(t, 2, h.transport.Calls())
	assert.True(t, first.isClosed(), "old subscription released")
	assert.Equal(t, []int{0, 0}, h.transport.openAtSub, "never layered")
	assert.True(t, m.Connected())
}

func TestMonitorStopsAfterFiveFailedAttempts(t *testing.T) {
	h := newHarness()
	h.transport.failAll = true
	m := newTestMonitor(h)
	var exhausted atomic.Int32
	m.OnExhausted = func() { exhausted.Add(1) }

	m.Start(context.Background())
	defer m.Stop()

	for i := 0; i < 300; i++ {
		h.clock.Advance(time.Second)
	}
	assert.Equal(t, 6, h.transport.Calls(), "initial subscribe plus five retries")
	assert.True(t, m.Exhausted())
	assert.False(t, m.Connected())
	assert.Equal(t, int32(1), exhausted.Load())

	h.transport.mu.Lock()
	h.transport.failAll = false
	h.transport.mu.Unlock()
	m.Retry()
	assert.Equal(t, 7, h.transport.Calls())
	assert.True(t, m.Connected())
	assert.False(t, m.Exhausted())
}

func TestMonitorImmediateRetriesAreThrottled(t *testing.T) {
	h := newHarness()
	m := newTestMonitor(h)
	m.Start(context.Background())
	defer m.Stop()

	h.transport.Last().Drop()
	h.clock.Advance(time.Second)
	require.Equal(t, 2, h.transport.Calls())

	// A second failure within the spacing does not trigger another
	// immediate retry; the next poll does.
	h.transport.Last().Drop()
	h.clock.Advance(time.Second)
	assert.Equal(t, 2, h.transport.Calls())

	h.clock.Advance(3 * time.Second) // poll at t=5 schedules attempt with 1s delay
	h.clock.Advance(time.Second)
	assert.Equal(t, 3, h.transport.Calls())
}

func TestMonitorPollDetectsSilentDrop(t *testing.T) {
	h := newHarness()
	m := newTestMonitor(h)
	m.Start(context.Background())
	defer m.Stop()

	h.transport.Last().Fade()
	assert.True(t, m.Connected(), "no push signal yet")

	h.clock.Advance(5 * time.Second)
	assert.False(t, m.Connected())

	h.clock.Advance(time.Second)
	assert.Equal(t, 2, h.transport.Calls())
	assert.True(t, m.Connected())
}

func TestMonitorJoinTimeout(t *testing.T) {
	h := newHarness()
	h.transport.autoJoin = false
	m := newTestMonitor(h)
	m.Start(context.Background())
	defer m.Stop()

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, h.transport.Calls())
	h.clock.Advance(5 * time.Second)
	h.clock.Advance(time.Second)
	assert.Equal(t, 2, h.transport.Calls(), "two polls stuck joining count as a timeout")
}

func TestMonitorStopCancelsTimersAndIgnoresLateEvents(t *testing.T) {
	h := newHarness()
	m := newTestMonitor(h)
	var changes atomic.Int32
	m.OnChange = func() { changes.Add(1) }
	m.Start(context.Background())

	sub := h.transport.Last()
	sub.Drop()
	before := changes.Load()

	m.Stop()
	assert.Equal(t, 0, h.clock.PendingCount())
	assert.True(t, sub.isClosed())

	sub.Join()
	h.clock.Advance(time.Minute)
	assert.Equal(t, before, changes.Load())
	assert.Equal(t, 1, h.transport.Calls())
	assert.False(t, m.Connected())
}
