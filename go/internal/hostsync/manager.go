// Package hostsync is the host-side façade that drives a session's presentation
// display: slides, join-info overlay, playback commands, and presentation liveness.
package hostsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel"
	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/monitor"
	"github.com/mcdev12/gamesync/go/internal/notify"
	"github.com/mcdev12/gamesync/go/internal/protocol"
	"github.com/mcdev12/gamesync/go/internal/sched"
	"github.com/mcdev12/gamesync/go/internal/session"
)

// TeamDataProvider supplies the KPI snapshot attached to slide updates
type TeamDataProvider interface {
	Snapshot(ctx context.Context, sessionID string) (*protocol.TeamSnapshot, error)
}

// Config holds host manager settings
type Config struct {
	Monitor monitor.Config
	Remote  remote.Config
}

// DefaultConfig returns default host manager configuration
func DefaultConfig() Config {
	return Config{
		Monitor: monitor.DefaultConfig(),
		Remote:  remote.DefaultConfig(),
	}
}

// Deps are the collaborators shared by every session's manager
type Deps struct {
	Bus      *local.Bus    // same-device transport; optional
	Broker   remote.Broker // cross-device transport; optional
	Clock    sched.Clock
	TeamData TeamDataProvider // optional
}

// CommandAck is an advisory acknowledgment of a host command
type CommandAck struct {
	CommandID string
	Timestamp int64
}

// Manager is the host's session-scoped sync manager. Obtain it from a Registry.
type Manager struct {
	sessionID string
	deps      Deps
	logger    zerolog.Logger

	link    *channel.Duplex
	monitor *monitor.Monitor
	release func()

	videoReady  notify.Listeners[struct{}]
	videoStatus notify.Listeners[protocol.VideoState]
	acks        notify.Listeners[CommandAck]

	mu        sync.Mutex
	started   bool // link and monitor are assigned
	destroyed bool
}

// NewRegistry returns the registry that hands out one Manager per session
func NewRegistry(cfg Config, deps Deps) *session.Registry[*Manager] {
	return session.NewRegistry("host-sync", func(sessionID string, release func()) (*Manager, error) {
		return newManager(sessionID, cfg, deps, release)
	})
}

func newManager(sessionID string, cfg Config, deps Deps, release func()) (*Manager, error) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	m := &Manager{
		sessionID: sessionID,
		deps:      deps,
		release:   release,
		logger:    log.With().Str("component", "host-sync").Str("session_id", sessionID).Logger(),
	}

	link, err := channel.OpenDuplex(sessionID, deps.Bus, deps.Broker, cfg.Remote, "host", m.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("open host link: %w", err)
	}
	m.link = link
	m.monitor = monitor.New(sessionID, cfg.Monitor, deps.Clock, m.publish)

	// inbound messages are dropped until here; the link delivers on its own goroutine
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.logger.Info().Msg("host sync manager created")
	return m, nil
}

// SessionID returns the session this manager serves
func (m *Manager) SessionID() string {
	return m.sessionID
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

// publish is the single outbound path; every send is logged
func (m *Manager) publish(msg protocol.Message) {
	if m.isDestroyed() {
		m.logger.Debug().Str("message_type", string(msg.Type)).Msg("send after destroy ignored")
		return
	}
	m.logger.Debug().
		Str("message_type", string(msg.Type)).
		Str("message_id", msg.ID).
		Msg("host sending")
	m.link.Publish(msg)
}

func (m *Manager) newMessage(t protocol.MessageType) protocol.Message {
	return protocol.New(t, m.sessionID, m.deps.Clock.Now())
}

// SendSlideUpdate broadcasts the current slide, optionally with a team snapshot
func (m *Manager) SendSlideUpdate(slide protocol.Slide, teamData *protocol.TeamSnapshot) {
	msg := m.newMessage(protocol.TypeSlideUpdate)
	msg.Slide = &slide
	msg.TeamData = teamData
	m.publish(msg)
}

// SendSlideUpdateWithTeamData fetches the team snapshot from the provider and
// broadcasts the slide with it. A failed fetch still sends the slide.
func (m *Manager) SendSlideUpdateWithTeamData(ctx context.Context, slide protocol.Slide) error {
	if m.deps.TeamData == nil {
		m.SendSlideUpdate(slide, nil)
		return nil
	}

	snapshot, err := m.deps.TeamData.Snapshot(ctx, m.sessionID)
	if err != nil {
		m.logger.Error().Err(err).Int("slide_id", slide.ID).Msg("failed to load team snapshot")
		m.SendSlideUpdate(slide, nil)
		return fmt.Errorf("load team snapshot: %w", err)
	}
	m.SendSlideUpdate(slide, snapshot)
	return nil
}

// SendJoinInfo shows the join QR overlay on the presentation
func (m *Manager) SendJoinInfo(joinURL, qrCodeData string) {
	msg := m.newMessage(protocol.TypeJoinInfo)
	msg.JoinURL = joinURL
	msg.QRCodeData = qrCodeData
	m.publish(msg)
}

// SendJoinInfoClose hides the join QR overlay
func (m *Manager) SendJoinInfoClose() {
	m.publish(m.newMessage(protocol.TypeJoinInfoClose))
}

// SendCommand wraps action and data in a host command and returns its command id
func (m *Manager) SendCommand(action protocol.CommandAction, data *protocol.CommandData) string {
	msg := protocol.NewHostCommand(m.sessionID, action, data, m.deps.Clock.Now())
	m.logger.Info().
		Str("action", string(action)).
		Str("command_id", msg.CommandID).
		Msg("host command")
	m.publish(msg)
	return msg.CommandID
}

// SendClosePresentation asks the presentation tab to close itself
func (m *Manager) SendClosePresentation() {
	m.publish(m.newMessage(protocol.TypeClosePresentation))
}

// PollVideoStatus asks the presentation to report its video state
func (m *Manager) PollVideoStatus() {
	m.publish(m.newMessage(protocol.TypeVideoStatusPoll))
}

// Status returns the presentation connection status
func (m *Manager) Status() monitor.Status {
	return m.monitor.Status()
}

// OnPresentationStatus calls fn with the current status and on every transition
func (m *Manager) OnPresentationStatus(fn func(monitor.Status)) (unsubscribe func()) {
	if m.isDestroyed() {
		return func() {}
	}
	return m.monitor.AddStatusListener(fn)
}

// OnPresentationVideoReady calls fn each time the presentation reports its video ready
func (m *Manager) OnPresentationVideoReady(fn func()) (unsubscribe func()) {
	return m.videoReady.Add(func(struct{}) { fn() })
}

// OnVideoStatus calls fn with every video state the presentation reports
func (m *Manager) OnVideoStatus(fn func(protocol.VideoState)) (unsubscribe func()) {
	return m.videoStatus.Add(fn)
}

// OnCommandAck calls fn for every command ack; diagnostics only
func (m *Manager) OnCommandAck(fn func(CommandAck)) (unsubscribe func()) {
	return m.acks.Add(fn)
}

func (m *Manager) handleMessage(msg protocol.Message) {
	if !m.isLive() {
		return
	}

	switch msg.Type {
	case protocol.TypePresentationStatus, protocol.TypePresentationDisconnect:
		m.monitor.HandleMessage(msg)

	case protocol.TypeCommandAck:
		m.logger.Debug().Str("command_id", msg.CommandID).Msg("command acknowledged")
		m.acks.Emit(CommandAck{CommandID: msg.CommandID, Timestamp: msg.Timestamp})

	case protocol.TypePresentationVideoReady:
		m.logger.Debug().Msg("presentation video ready")
		m.videoReady.Emit(struct{}{})

	case protocol.TypeVideoStatusResponse:
		if msg.Video != nil {
			m.videoStatus.Emit(*msg.Video)
		}
	}
}

// Destroy stops the monitor, clears every handler, releases both transports and
// removes the manager from its registry. Calling it again is a no-op.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.mu.Unlock()

	m.monitor.Stop()
	m.videoReady.Close()
	m.videoStatus.Close()
	m.acks.Close()
	m.link.Close()
	if m.release != nil {
		m.release()
	}

	m.logger.Info().Msg("host sync manager destroyed")
}
