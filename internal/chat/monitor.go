package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/djamkenny/hairbookery-sub000/internal/clock"
	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

// ErrNotConnected is returned by Track while no subscription is joined.
var ErrNotConnected = errors.New("realtime channel not joined")

type MonitorConfig struct {
	PollInterval time.Duration
	// RetrySpacing is the minimum gap between two retries triggered by
	// transport errors rather than by a poll.
	RetrySpacing time.Duration
	// JoinTimeoutPolls is how many polls may see StatusJoining before the
	// join is treated as timed out.
	JoinTimeoutPolls int
	Backoff          Backoff
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:     5 * time.Second,
		RetrySpacing:     2 * time.Second,
		JoinTimeoutPolls: 2,
		Backoff:          DefaultBackoff(),
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	def := DefaultMonitorConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RetrySpacing <= 0 {
		c.RetrySpacing = def.RetrySpacing
	}
	if c.JoinTimeoutPolls <= 0 {
		c.JoinTimeoutPolls = def.JoinTimeoutPolls
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = def.Backoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Backoff.Max
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}
	return c
}

// Monitor keeps one realtime subscription joined. It polls the handle's
// status, and on failure releases it and subscribes again after an
// exponential backoff, until the attempts run out.
type Monitor struct {
	channel   string
	transport realtime.Transport
	handlers  realtime.Handlers
	clock     clock.Clock
	logger    *slog.Logger
	cfg       MonitorConfig

	// OnChange is called, without locks held, whenever Connected may have
	// changed.
	OnChange func()
	// OnExhausted is called once each time automatic retries give up.
	OnExhausted func()

	mu            sync.Mutex
	ctx           context.Context
	gen           uint64
	sub           realtime.Subscription
	connecting    bool
	connected     bool
	attempts      int
	retryTimer    *clock.Timer
	pollTimer     *clock.Timer
	lastImmediate time.Time
	joiningPolls  int
	exhausted     bool
	started       bool
	stopped       bool
}

func NewMonitor(channel string, transport realtime.Transport, h realtime.Handlers, clk clock.Clock, logger *slog.Logger, cfg MonitorConfig) *Monitor {
	return &Monitor{
		channel:   channel,
		transport: transport,
		handlers:  h,
		clock:     clk,
		logger:    logger.With("channel", channel),
		cfg:       cfg.withDefaults(),
	}
}

// Start subscribes and begins polling. It returns once the first subscribe
// call has returned; the join itself completes asynchronously.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx = ctx
	m.pollTimer = m.clock.AfterFunc(m.cfg.PollInterval, m.poll)
	m.mu.Unlock()

	m.connect()
}

// Stop releases the subscription and cancels every timer. Callbacks that
// were already in flight become no-ops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	m.retryTimer.Stop()
	m.pollTimer.Stop()
	m.retryTimer, m.pollTimer = nil, nil
	sub := m.sub
	m.sub = nil
	m.connected = false
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

// Retry resets the attempt budget and reconnects now. It is the manual
// retry affordance after exhaustion.
func (m *Monitor) Retry() {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.exhausted = false
	m.retryTimer.Stop()
	m.retryTimer = nil
	m.mu.Unlock()

	m.connect()
}

func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Exhausted reports whether automatic retries have given up.
func (m *Monitor) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Track publishes presence on the current subscription. Best-effort.
func (m *Monitor) Track(p domain.Presence) error {
	m.mu.Lock()
	sub, connected := m.sub, m.connected
	m.mu.Unlock()
	if sub == nil || !connected {
		return &domain.SubscriptionError{Channel: m.channel, Err: ErrNotConnected}
	}
	return sub.Track(p)
}

// connect replaces the subscription with a fresh one. The old handle is
// released before the new one is requested.
func (m *Monitor) connect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	old := m.sub
	m.sub = nil
	m.connecting = true
	m.joiningPolls = 0
	changed := m.setConnectedLocked(false)
	ctx := m.ctx
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if changed {
		m.changed()
	}

	sub, err := m.transport.Subscribe(ctx, m.channel, m.handlersFor(gen))

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return
	}
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("subscribe failed", "error", err)
		m.fail(gen)
		return
	}
	m.sub = sub
	joined := sub.Status() == realtime.StatusJoined && !m.connected
	m.mu.Unlock()

	if joined {
		m.onStatus(gen, realtime.StatusJoined, nil)
	}
}

// handlersFor wraps the caller's handlers so events and status changes
// of a replaced subscription are dropped.
func (m *Monitor) handlersFor(gen uint64) realtime.Handlers {
	current := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.stopped && m.gen == gen
	}
	h := realtime.Handlers{
		OnStatus: func(st realtime.Status, err error) { m.onStatus(gen, st, err) },
	}
	if m.handlers.OnInsert != nil {
		h.OnInsert = func(msg domain.Message) {
			if current() {
				m.handlers.OnInsert(msg)
			}
		}
	}
	if m.handlers.OnUpdate != nil {
		h.OnUpdate = func(msg domain.Message) {
			if current() {
				m.handlers.OnUpdate(msg)
			}
		}
	}
	if m.handlers.OnPresence != nil {
		h.OnPresence = func(p domain.Presence) {
			if current() {
				m.handlers.OnPresence(p)
			}
		}
	}
	return h
}

func (m *Monitor) onStatus(gen uint64, st realtime.Status, err error) {
	switch st {
	case realtime.StatusJoined:
		m.mu.Lock()
		if m.stopped || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.attempts = 0
		m.exhausted = false
		m.joiningPolls = 0
		m.retryTimer.Stop()
		m.retryTimer = nil
		changed := m.setConnectedLocked(true)
		m.mu.Unlock()
		if changed {
			m.logger.Debug("channel joined")
			m.changed()
		}
	case realtime.StatusErrored, realtime.StatusClosed:
		if err != nil {
			m.logger.Warn("subscription dropped", "status", st.String(), "error", err)
		}
		m.fail(gen)
	}
}

// fail is the immediate error path: it marks the channel disconnected and
// schedules a retry without waiting for the next poll, unless another
// immediate retry happened within RetrySpacing.
func (m *Monitor) fail(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	changed := m.setConnectedLocked(false)
	now := m.clock.Now()
	var exhausted bool
	if m.lastImmediate.IsZero() || now.Sub(m.lastImmediate) >= m.cfg.RetrySpacing {
		m.lastImmediate = now
		exhausted = m.scheduleRetryLocked()
	}
	m.mu.Unlock()

	if changed {
		m.changed()
	}
	if exhausted {
		m.exhaust()
	}
}

// scheduleRetryLocked arms the backoff timer. It reports true when this
// call ran out of attempts.
func (m *Monitor) scheduleRetryLocked() bool {
	if m.retryTimer != nil || m.connecting || m.exhausted {
		return false
	}
	if m.attempts >= m.cfg.Backoff.MaxAttempts {
		m.exhausted = true
		return true
	}
	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	m.logger.Debug("reconnect scheduled", "attempt", m.attempts, "delay", delay)
	m.retryTimer = m.clock.AfterFunc(delay, m.retryFired)
	return false
}

func (m *Monitor) retryFired() {
	m.mu.Lock()
	m.retryTimer = nil
	stopped := m.stopped
	m.mu.Unlock()
	if !stopped {
		m.connect()
	}
}

func (m *Monitor) poll() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.pollTimer = m.clock.AfterFunc(m.cfg.PollInterval, m.poll)
	if m.connecting {
		m.mu.Unlock()
		return
	}

	status := realtime.StatusClosed
	if m.sub != nil {
		status = m.sub.Status()
	}

	var changed, exhausted bool
	switch status {
	case realtime.StatusJoined:
		m.joiningPolls = 0
		if !m.connected {
			m.attempts = 0
			m.exhausted = false
			changed = m.setConnectedLocked(true)
		}
	case realtime.StatusJoining:
		m.joiningPolls++
		if m.joiningPolls >= m.cfg.JoinTimeoutPolls {
			m.logger.Warn("join timed out")
			changed = m.setConnectedLocked(false)
			exhausted = m.scheduleRetryLocked()
		}
	default:
		changed = m.setConnectedLocked(false)
		exhausted = m.scheduleRetryLocked()
	}
	m.mu.Unlock()

	if changed {
		m.changed()
	}
	if exhausted {
		m.exhaust()
	}
}

func (m *Monitor) setConnectedLocked(c bool) bool {
	if m.connected == c {
		return false
	}
	m.connected = c
	return true
}

func (m *Monitor) changed() {
	if m.OnChange != nil {
		m.OnChange()
	}
}

func (m *Monitor) exhaust() {
	m.logger.Warn("reconnect attempts exhausted", "attempts", m.cfg.Backoff.MaxAttempts)
	if m.OnExhausted != nil {
		m.OnExhausted()
	}
}
