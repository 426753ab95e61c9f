// Package monitor tracks, from the host's side, whether a presentation peer is alive.
//
// Transports give no presence guarantees, so the host pings on a fixed heartbeat
// and treats the peer as gone when no ready/pong arrives within the timeout. A
// graceful close sends an explicit disconnect notice that short-circuits the wait.
package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/notify"
	"github.com/mcdev12/gamesync/go/internal/protocol"
	"github.com/mcdev12/gamesync/go/internal/sched"
)

// Status is the tri-state connection indicator
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Config holds heartbeat timings
type Config struct {
	HeartbeatInterval time.Duration
	// Timeout is how long after the last ready/pong the peer counts as gone
	Timeout time.Duration
	// InitialGrace is how long to wait for a first peer before reporting disconnected
	InitialGrace time.Duration
}

// DefaultConfig returns default heartbeat timings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		Timeout:           10 * time.Second,
		InitialGrace:      15 * time.Second,
	}
}

// Monitor is the host-owned connection state machine for one session
type Monitor struct {
	sessionID string
	cfg       Config
	clock     sched.Clock
	sendPing  func(protocol.Message)
	logger    zerolog.Logger

	// notifyMu is held from a status decision until its listeners return, so
	// listeners see transitions in the order they were made. Listeners must not
	// call HandleMessage or AddStatusListener.
	notifyMu  sync.Mutex
	listeners notify.Listeners[Status]

	mu               sync.Mutex
	status           Status
	startedAt        time.Time
	lastSeen         time.Time
	lastDisconnectAt int64 // timestamp of the newest disconnect notice, epoch ms
	stopped          bool

	heartbeat *sched.Task
}

// New starts monitoring. The first ping goes out immediately, then one every
// HeartbeatInterval until Stop.
func New(sessionID string, cfg Config, clock sched.Clock, sendPing func(protocol.Message)) *Monitor {
	m := &Monitor{
		sessionID: sessionID,
		cfg:       cfg,
		clock:     clock,
		sendPing:  sendPing,
		logger:    log.With().Str("component", "connection-monitor").Str("session_id", sessionID).Logger(),
		status:    StatusConnecting,
		startedAt: clock.Now(),
	}

	m.ping()
	m.heartbeat = sched.Every(clock, cfg.HeartbeatInterval, m.tick)
	return m
}

func (m *Monitor) ping() {
	m.sendPing(protocol.New(protocol.TypePing, m.sessionID, m.clock.Now()))
}

func (m *Monitor) tick() {
	_, changed := m.apply(func(now time.Time) Status {
		switch m.status {
		case StatusConnected:
			if now.Sub(m.lastSeen) >= m.cfg.Timeout {
				return StatusDisconnected
			}
		case StatusConnecting:
			if now.Sub(m.startedAt) >= m.cfg.InitialGrace {
				return StatusDisconnected
			}
		}
		return m.status
	})
	if changed {
		m.logger.Info().
			Dur("timeout", m.cfg.Timeout).
			Msg("presentation heartbeat timed out")
	}

	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if !stopped {
		m.ping()
	}
}

// HandleMessage feeds a message received from the presentation side
func (m *Monitor) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePresentationStatus:
		if msg.Status != protocol.StatusReady && msg.Status != protocol.StatusPong {
			return
		}
		stale := false
		m.apply(func(now time.Time) Status {
			if msg.Timestamp != 0 && msg.Timestamp <= m.lastDisconnectAt {
				stale = true
				return m.status
			}
			m.lastSeen = now
			return StatusConnected
		})
		if stale {
			m.logger.Debug().Str("status", string(msg.Status)).Msg("ignoring status older than disconnect notice")
		}

	case protocol.TypePresentationDisconnect:
		m.logger.Info().Msg("presentation announced disconnect")
		m.apply(func(time.Time) Status {
			if msg.Timestamp > m.lastDisconnectAt {
				m.lastDisconnectAt = msg.Timestamp
			}
			return StatusDisconnected
		})
	}
}

// apply runs decide against the current state and moves to the status it
// returns. decide runs under mu and may update the timing fields. A change is
// delivered to listeners before the next decision is made.
func (m *Monitor) apply(decide func(now time.Time) Status) (next Status, changed bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.stopped {
		status := m.status
		m.mu.Unlock()
		return status, false
	}
	prev := m.status
	next = decide(m.clock.Now())
	m.status = next
	m.mu.Unlock()

	if next == prev {
		return next, false
	}

	m.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("presentation connection status changed")
	m.listeners.Emit(next)
	return next, true
}

// Status returns the current status
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastSeen returns when the last ready/pong arrived; zero if never
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// AddStatusListener registers fn and calls it right away with the current status
func (m *Monitor) AddStatusListener(fn func(Status)) (unsubscribe func()) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	stopped := m.stopped
	current := m.status
	m.mu.Unlock()
	if stopped {
		return func() {}
	}

	unsubscribe = m.listeners.Add(fn)
	fn(current)
	return unsubscribe
}

// Stop halts the heartbeat and drops every listener. A delivery already in
// progress may still complete.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.listeners.Close()
	m.heartbeat.Stop()
}
