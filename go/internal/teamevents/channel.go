// Package teamevents broadcasts game-flow events from the host to team devices
// over the remote bus and keeps that subscription alive on its own.
//
// Team devices are flaky, so unlike the presentation link this channel heals
// itself: any subscription failure schedules a fresh subscribe attempt, and
// attempts repeat until one succeeds or the channel is destroyed. Events sent
// while disconnected are dropped; team UIs refetch authoritative state on reconnect.
package teamevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/notify"
	"github.com/mcdev12/gamesync/go/internal/protocol"
	"github.com/mcdev12/gamesync/go/internal/sched"
	"github.com/mcdev12/gamesync/go/internal/session"
)

var (
	// ErrDisconnected is returned for an event sent while the channel is down
	ErrDisconnected = errors.New("team channel disconnected")
	// ErrDestroyed is returned for an event sent after Destroy
	ErrDestroyed = errors.New("team channel destroyed")
)

// Status is the team channel connection state
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Config holds team channel settings
type Config struct {
	Remote            remote.Config
	ReconnectInterval time.Duration
}

// DefaultConfig returns default team channel configuration
func DefaultConfig() Config {
	return Config{
		Remote:            remote.DefaultConfig(),
		ReconnectInterval: 15 * time.Second,
	}
}

// DecisionReset optionally narrows a reset to one team or one decision
type DecisionReset struct {
	Message     string
	TeamID      string
	DecisionKey string
}

// Channel is one session's team event channel
type Channel struct {
	sessionID string
	broker    remote.Broker
	cfg       Config
	clock     sched.Clock
	logger    zerolog.Logger
	release   func()

	events   notify.Listeners[protocol.Message]
	statuses notify.Listeners[Status]

	mu        sync.Mutex
	status    Status
	remote    *remote.Channel
	gen       uint64 // bumped per subscribe attempt; stale state reports are ignored
	retry     *sched.Task
	attempts  int
	destroyed bool
}

// NewRegistry returns a registry handing out one team channel per session
func NewRegistry(broker remote.Broker, cfg Config, clock sched.Clock) *session.Registry[*Channel] {
	return session.NewRegistry("team-events", func(sessionID string, release func()) (*Channel, error) {
		c := New(sessionID, broker, cfg, clock)
		c.release = release
		return c, nil
	})
}

// New creates the channel and starts the first subscribe attempt
func New(sessionID string, broker remote.Broker, cfg Config, clock sched.Clock) *Channel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Channel{
		sessionID: sessionID,
		broker:    broker,
		cfg:       cfg,
		clock:     clock,
		status:    StatusDisconnected,
		logger:    log.With().Str("component", "team-events").Str("session_id", sessionID).Logger(),
	}
	c.connect()
	return c
}

func (c *Channel) connect() {
	rc := remote.Connect(c.broker, c.sessionID, remote.TopicTeams, c.cfg.Remote)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		rc.Disconnect()
		return
	}
	c.remote = rc
	c.gen++
	c.attempts++
	gen, attempt := c.gen, c.attempts
	c.mu.Unlock()

	c.logger.Debug().Int("attempt", attempt).Msg("subscribing team channel")
	c.setStatus(StatusConnecting)

	rc.OnMessage(c.handleMessage)
	rc.OnStateChange(func(s remote.State) { c.handleState(gen, s) })
}

func (c *Channel) handleState(gen uint64, s remote.State) {
	c.mu.Lock()
	if c.destroyed || gen != c.gen {
		c.mu.Unlock()
		return
	}

	switch {
	case s == remote.StateSubscribed:
		c.retry.Stop()
		c.retry = nil
		c.attempts = 0
		c.mu.Unlock()
		c.logger.Info().Msg("team channel connected")
		c.setStatus(StatusConnected)

	case s.IsFailure():
		scheduled := c.retry != nil
		if !scheduled {
			c.retry = sched.After(c.clock, c.cfg.ReconnectInterval, c.reconnect)
		}
		c.mu.Unlock()
		c.logger.Warn().
			Str("state", string(s)).
			Dur("retry_in", c.cfg.ReconnectInterval).
			Msg("team channel lost, reconnect scheduled")
		c.setStatus(StatusDisconnected)

	default:
		c.mu.Unlock()
	}
}

// reconnect tears down the failed handle and subscribes again
func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	old := c.remote
	c.remote = nil
	c.retry = nil
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}
	c.connect()
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.destroyed || c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.statuses.Emit(s)
}

func (c *Channel) handleMessage(msg protocol.Message) {
	if !msg.Type.IsTeamEvent() {
		return
	}
	c.events.Emit(msg)
}

// Status returns the current connection state
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnStatus calls fn with the current status and then on every change
func (c *Channel) OnStatus(fn func(Status)) (unsubscribe func()) {
	unsubscribe = c.statuses.Add(fn)
	c.mu.Lock()
	current, destroyed := c.status, c.destroyed
	c.mu.Unlock()
	if !destroyed {
		fn(current)
	}
	return unsubscribe
}

// OnTeamEvent calls fn for each game event received on this session's team topic
func (c *Channel) OnTeamEvent(fn func(protocol.Message)) (unsubscribe func()) {
	return c.events.Add(fn)
}

func (c *Channel) send(msg protocol.Message) error {
	c.mu.Lock()
	rc, status, destroyed := c.remote, c.status, c.destroyed
	c.mu.Unlock()

	if destroyed {
		return ErrDestroyed
	}
	if status != StatusConnected || rc == nil {
		c.logger.Debug().Str("message_type", string(msg.Type)).Msg("team event dropped while disconnected")
		return ErrDisconnected
	}
	if err := rc.Send(msg); err != nil {
		c.logger.Warn().Err(err).Str("message_type", string(msg.Type)).Msg("team event send failed")
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	c.logger.Debug().Str("message_type", string(msg.Type)).Msg("team event sent")
	return nil
}

func (c *Channel) newEvent(t protocol.MessageType) protocol.Message {
	return protocol.New(t, c.sessionID, c.clock.Now())
}

// SendDecisionTime opens the decision window for slide
func (c *Channel) SendDecisionTime(slide protocol.Slide) error {
	msg := c.newEvent(protocol.TypeDecisionTime)
	msg.Slide = &slide
	return c.send(msg)
}

// SendDecisionClosed closes the decision window for slide
func (c *Channel) SendDecisionClosed(slide protocol.Slide) error {
	msg := c.newEvent(protocol.TypeDecisionClosed)
	msg.Slide = &slide
	return c.send(msg)
}

// SendKpiUpdated tells teams to refresh their KPIs. kpiDelta may be nil.
func (c *Channel) SendKpiUpdated(slide protocol.Slide, kpiDelta json.RawMessage) error {
	msg := c.newEvent(protocol.TypeKpiUpdated)
	msg.Slide = &slide
	msg.KpiDelta = kpiDelta
	return c.send(msg)
}

// SendDecisionReset clears submitted decisions; empty fields mean all
func (c *Channel) SendDecisionReset(reset DecisionReset) error {
	msg := c.newEvent(protocol.TypeDecisionReset)
	msg.Note = reset.Message
	msg.TeamID = reset.TeamID
	msg.DecisionKey = reset.DecisionKey
	return c.send(msg)
}

// SendGameEnded announces the end of the game
func (c *Channel) SendGameEnded() error {
	return c.send(c.newEvent(protocol.TypeGameEnded))
}

// SendInteractiveSlideData pushes an arbitrary JSON payload for an interactive slide
func (c *Channel) SendInteractiveSlideData(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode interactive slide data: %w", err)
	}
	msg := c.newEvent(protocol.TypeInteractiveSlideData)
	msg.Payload = raw
	return c.send(msg)
}

// Destroy stops reconnecting, clears handlers and drops the subscription
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.retry.Stop()
	c.retry = nil
	rc := c.remote
	c.remote = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.events.Close()
	c.statuses.Close()
	if rc != nil {
		rc.Disconnect()
	}
	if c.release != nil {
		c.release()
	}
	c.logger.Info().Msg("team channel destroyed")
}
