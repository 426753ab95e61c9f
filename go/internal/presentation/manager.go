// Package presentation is the receiving side of the host link: it renders nothing
// itself, but hands slides, join info and playback commands to the display layer
// and keeps the host informed with ready/pong, acks and video reports.
package presentation

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel"
	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/notify"
	"github.com/mcdev12/gamesync/go/internal/protocol"
	"github.com/mcdev12/gamesync/go/internal/sched"
	"github.com/mcdev12/gamesync/go/internal/session"
)

// Config holds presentation manager settings
type Config struct {
	Remote remote.Config
	// ReadyDelay lets the display attach its listeners before the host is told we are ready
	ReadyDelay time.Duration
}

// DefaultConfig returns default presentation configuration
func DefaultConfig() Config {
	return Config{
		Remote:     remote.DefaultConfig(),
		ReadyDelay: 500 * time.Millisecond,
	}
}

// Deps are the transports and clock a presentation manager runs on
type Deps struct {
	Bus    *local.Bus
	Broker remote.Broker
	Clock  sched.Clock
}

// SlideUpdate is a slide pushed by the host
type SlideUpdate struct {
	Slide    protocol.Slide
	TeamData *protocol.TeamSnapshot
}

// JoinInfo toggles the join QR overlay; Visible is false for a close
type JoinInfo struct {
	Visible    bool
	URL        string
	QRCodeData string
}

// Manager is the presentation's session-scoped sync manager
type Manager struct {
	sessionID string
	clock     sched.Clock
	logger    zerolog.Logger

	link    *channel.Duplex
	ready   *sched.Task
	release func()

	slides   notify.Listeners[SlideUpdate]
	joinInfo notify.Listeners[JoinInfo]
	commands notify.Listeners[protocol.Command]
	closes   notify.Listeners[struct{}]

	mu            sync.Mutex
	started       bool // link and ready task are assigned
	destroyed     bool
	videoProvider func() protocol.VideoState
}

// NewRegistry returns a registry handing out one presentation manager per session
func NewRegistry(cfg Config, deps Deps) *session.Registry[*Manager] {
	return session.NewRegistry("presentation-sync", func(sessionID string, release func()) (*Manager, error) {
		return newManager(sessionID, cfg, deps, release)
	})
}

// NewManager opens the session link and schedules the initial ready signal
func NewManager(sessionID string, cfg Config, deps Deps) (*Manager, error) {
	return newManager(sessionID, cfg, deps, nil)
}

func newManager(sessionID string, cfg Config, deps Deps, release func()) (*Manager, error) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	m := &Manager{
		sessionID: sessionID,
		clock:     deps.Clock,
		release:   release,
		logger:    log.With().Str("component", "presentation-sync").Str("session_id", sessionID).Logger(),
	}

	link, err := channel.OpenDuplex(sessionID, deps.Bus, deps.Broker, cfg.Remote, "presentation", m.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("open presentation link: %w", err)
	}
	m.link = link
	m.ready = sched.After(deps.Clock, cfg.ReadyDelay, func() {
		m.SendStatus(protocol.StatusReady)
	})

	// pings that arrive before this point are dropped; the host repeats them
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.logger.Info().Msg("presentation sync manager created")
	return m, nil
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *Manager) isLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.destroyed
}

func (m *Manager) publish(msg protocol.Message) {
	if m.isDestroyed() {
		return
	}
	m.logger.Debug().Str("message_type", string(msg.Type)).Msg("presentation sending")
	m.link.Publish(msg)
}

func (m *Manager) newMessage(t protocol.MessageType) protocol.Message {
	return protocol.New(t, m.sessionID, m.clock.Now())
}

// SendStatus tells the host we are ready or answers a ping
func (m *Manager) SendStatus(status protocol.PresentationStatus) {
	msg := m.newMessage(protocol.TypePresentationStatus)
	msg.Status = status
	m.publish(msg)
}

// SendPresentationVideoReady tells the host the current video can play
func (m *Manager) SendPresentationVideoReady() {
	m.publish(m.newMessage(protocol.TypePresentationVideoReady))
}

// SendVideoStatus reports the local video state to the host
func (m *Manager) SendVideoStatus(state protocol.VideoState) {
	msg := m.newMessage(protocol.TypeVideoStatusResponse)
	msg.Video = &state
	m.publish(msg)
}

// SetVideoStatusProvider installs the function used to answer video status polls
func (m *Manager) SetVideoStatusProvider(fn func() protocol.VideoState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoProvider = fn
}

// OnSlideUpdate calls fn for each slide the host pushes
func (m *Manager) OnSlideUpdate(fn func(SlideUpdate)) (unsubscribe func()) {
	return m.slides.Add(fn)
}

// OnJoinInfo calls fn whenever the join overlay is shown or hidden
func (m *Manager) OnJoinInfo(fn func(JoinInfo)) (unsubscribe func()) {
	return m.joinInfo.Add(fn)
}

// OnHostCommand calls fn for each host command. Commands are acked regardless.
func (m *Manager) OnHostCommand(fn func(protocol.Command)) (unsubscribe func()) {
	return m.commands.Add(fn)
}

// OnClosePresentation calls fn when the host asks this display to close
func (m *Manager) OnClosePresentation(fn func()) (unsubscribe func()) {
	return m.closes.Add(func(struct{}) { fn() })
}

func (m *Manager) handleMessage(msg protocol.Message) {
	if !m.isLive() {
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		m.SendStatus(protocol.StatusPong)

	case protocol.TypeHostCommand:
		ack := m.newMessage(protocol.TypeCommandAck)
		ack.CommandID = msg.CommandID
		m.publish(ack)

		m.logger.Debug().
			Str("action", string(msg.Action)).
			Str("command_id", msg.CommandID).
			Msg("host command received")
		m.commands.Emit(protocol.CommandFrom(msg))

	case protocol.TypeSlideUpdate:
		if msg.Slide == nil {
			m.logger.Warn().Msg("slide update without slide")
			return
		}
		m.slides.Emit(SlideUpdate{Slide: *msg.Slide, TeamData: msg.TeamData})

	case protocol.TypeJoinInfo:
		m.joinInfo.Emit(JoinInfo{Visible: true, URL: msg.JoinURL, QRCodeData: msg.QRCodeData})

	case protocol.TypeJoinInfoClose:
		m.joinInfo.Emit(JoinInfo{Visible: false})

	case protocol.TypeClosePresentation:
		m.logger.Info().Msg("host requested presentation close")
		m.closes.Emit(struct{}{})

	case protocol.TypeVideoStatusPoll:
		m.mu.Lock()
		provider := m.videoProvider
		m.mu.Unlock()
		if provider != nil {
			m.SendVideoStatus(provider())
		}
	}
}

// Destroy notifies the host that this display is going away, clears every
// handler and releases both transports. Calling it again is a no-op.
func (m *Manager) Destroy() {
	if m.isDestroyed() {
		return
	}
	m.ready.Stop()
	m.publish(m.newMessage(protocol.TypePresentationDisconnect))

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.videoProvider = nil
	m.mu.Unlock()

	m.slides.Close()
	m.joinInfo.Close()
	m.commands.Close()
	m.closes.Close()
	m.link.Close()
	if m.release != nil {
		m.release()
	}

	m.logger.Info().Msg("presentation sync manager destroyed")
}
