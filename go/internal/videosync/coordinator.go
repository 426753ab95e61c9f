// Package videosync keeps the host's and the presentation's video elements in
// lockstep on top of the host and presentation sync managers.
//
// The host owns intent: every play, pause and seek it issues is broadcast and
// applied locally at once. The presentation owns the audible, authoritative
// playback: it applies host commands and reports its position every
// ReportInterval, and the host follows those reports when they drift apart.
package videosync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/monitor"
	"github.com/mcdev12/gamesync/go/internal/protocol"
	"github.com/mcdev12/gamesync/go/internal/sched"
)

// Role is which side of the link a coordinator runs on
type Role string

const (
	RoleHost         Role = "host"
	RolePresentation Role = "presentation"
	// RoleIndependent plays on its own with no sync
	RoleIndependent Role = "independent"
)

// State is the local video lifecycle
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// HostLink is the part of the host sync manager the coordinator uses
type HostLink interface {
	SendCommand(action protocol.CommandAction, data *protocol.CommandData) string
	OnPresentationStatus(fn func(monitor.Status)) (unsubscribe func())
	OnVideoStatus(fn func(protocol.VideoState)) (unsubscribe func())
	OnPresentationVideoReady(fn func()) (unsubscribe func())
}

// PresentationLink is the part of the presentation sync manager the coordinator uses
type PresentationLink interface {
	OnHostCommand(fn func(protocol.Command)) (unsubscribe func())
	SendVideoStatus(state protocol.VideoState)
	SendPresentationVideoReady()
	SetVideoStatusProvider(fn func() protocol.VideoState)
}

// Config holds coordinator settings
type Config struct {
	// AutoPlay starts each newly loaded video once it is ready
	AutoPlay bool
	// AutoPlayDelay is how long the host waits after a coordinated autoplay
	// command before starting its own playback
	AutoPlayDelay  time.Duration
	ReportInterval time.Duration
	Drift          DriftConfig
	// StayMuted keeps the host muted after its presentation disconnects
	StayMuted bool
}

// DefaultConfig returns default coordinator settings
func DefaultConfig() Config {
	return Config{
		AutoPlay:       true,
		AutoPlayDelay:  150 * time.Millisecond,
		ReportInterval: time.Second,
		Drift:          DefaultDriftConfig(),
	}
}

// VideoProps is the descriptor handed to the UI layer for rendering the element
type VideoProps struct {
	Muted    bool
	AutoPlay bool
	Volume   float64
	OnClick  func()
}

// Coordinator drives one local player for one role
type Coordinator struct {
	role   Role
	cfg    Config
	clock  sched.Clock
	player Player
	host   HostLink
	pres   PresentationLink
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	url             string
	autoPlayPending bool
	connected       bool // host only: presentation connected
	lastCommandAt   time.Time
	lastReportAt    int64 // presentation's own stamp of the newest report, epoch ms
	autoplay        *sched.Task
	reporter        *sched.Task
	unsubs          []func()
	closed          bool
}

func newCoordinator(role Role, player Player, cfg Config, clock sched.Clock) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		role:   role,
		cfg:    cfg,
		clock:  clock,
		player: player,
		state:  StateIdle,
		logger: log.With().Str("component", "video-sync").Str("role", string(role)).Logger(),
	}
}

// NewHost returns a host coordinator. The host plays with sound until a
// presentation connects, then hands audio over to it.
func NewHost(link HostLink, player Player, cfg Config, clock sched.Clock) *Coordinator {
	c := newCoordinator(RoleHost, player, cfg, clock)
	c.host = link
	c.unsubs = append(c.unsubs,
		link.OnPresentationStatus(c.handlePresentationStatus),
		link.OnVideoStatus(c.handleVideoStatus),
		link.OnPresentationVideoReady(c.handlePresentationVideoReady),
	)
	return c
}

// NewPresentation returns a presentation coordinator. It always has audio,
// applies host commands and reports its position every ReportInterval.
func NewPresentation(link PresentationLink, player Player, cfg Config, clock sched.Clock) *Coordinator {
	c := newCoordinator(RolePresentation, player, cfg, clock)
	c.pres = link
	player.SetMuted(false)
	link.SetVideoStatusProvider(c.snapshot)
	c.unsubs = append(c.unsubs, link.OnHostCommand(c.handleCommand))
	c.reporter = sched.Every(c.clock, cfg.ReportInterval, c.report)
	return c
}

// NewIndependent returns a coordinator that plays locally with no peer
func NewIndependent(player Player, cfg Config, clock sched.Clock) *Coordinator {
	return newCoordinator(RoleIndependent, player, cfg, clock)
}

// Role returns the coordinator's role
func (c *Coordinator) Role() Role {
	return c.role
}

// State returns the local lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AutoPlayPending reports whether the loaded video still awaits its autoplay
func (c *Coordinator) AutoPlayPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPlayPending
}

// Load starts loading url. Reloading the current url is a no-op, so autoplay
// fires at most once per url.
func (c *Coordinator) Load(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (url == c.url && c.state != StateIdle) {
		return
	}
	c.autoplay.Stop()
	c.autoplay = nil
	c.url = url
	c.state = StateLoading
	c.autoPlayPending = true
	c.logger.Debug().Str("url", url).Msg("video loading")
}

// MarkReady records that enough of the video is buffered to play and runs autoplay
func (c *Coordinator) MarkReady() {
	c.mu.Lock()
	if c.closed || c.state != StateLoading {
		c.mu.Unlock()
		return
	}
	c.state = StateReady
	connected := c.connected
	autoplay := c.autoPlayPending && c.cfg.AutoPlay
	if c.role == RolePresentation {
		// presentation playback only starts on host commands
		c.autoPlayPending = false
		autoplay = false
	}
	c.mu.Unlock()

	if c.role == RolePresentation {
		c.pres.SendPresentationVideoReady()
		return
	}
	if !autoplay {
		return
	}

	if c.role == RoleHost && connected {
		pos := c.player.State().CurrentTime
		c.markCommand()
		c.host.SendCommand(protocol.ActionCoordinatedPlay, protocol.AtTime(pos))

		c.mu.Lock()
		c.autoPlayPending = false
		c.autoplay = sched.After(c.clock, c.cfg.AutoPlayDelay, func() { c.playLocal("coordinated autoplay") })
		c.mu.Unlock()
		c.logger.Info().Float64("position", pos).Msg("coordinated autoplay sent")
		return
	}

	c.mu.Lock()
	c.autoPlayPending = false
	c.mu.Unlock()
	c.playLocal("autoplay")
}

func (c *Coordinator) markCommand() {
	c.mu.Lock()
	c.lastCommandAt = c.clock.Now()
	c.mu.Unlock()
}

// broadcast sends a host command when a presentation is connected
func (c *Coordinator) broadcast(action protocol.CommandAction, data *protocol.CommandData) {
	c.mu.Lock()
	send := c.role == RoleHost && c.connected && !c.closed
	c.lastCommandAt = c.clock.Now()
	c.mu.Unlock()

	if send {
		c.host.SendCommand(action, data)
	}
}

// playLocal starts the local player. A refused play is logged and clears the
// autoplay flag so the next user gesture can start playback.
func (c *Coordinator) playLocal(reason string) {
	if err := c.player.Play(); err != nil {
		c.logger.Warn().Err(err).Str("reason", reason).Msg("play failed")
		c.mu.Lock()
		c.autoPlayPending = false
		c.mu.Unlock()
		return
	}
	c.setState(StatePlaying)
}

// setState moves between ready, playing and paused. Idle and loading are left
// only through Load and MarkReady; commands before that still move the player.
func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state == StateIdle || c.state == StateLoading {
		return
	}
	c.state = s
}

// Play starts playback locally and, for a connected host, on the presentation
func (c *Coordinator) Play() {
	pos := c.player.State().CurrentTime
	c.broadcast(protocol.ActionPlay, protocol.AtTime(pos))
	c.playLocal("play")
}

// Pause pauses locally and, for a connected host, on the presentation
func (c *Coordinator) Pause() {
	c.player.Pause()
	pos := c.player.State().CurrentTime
	c.broadcast(protocol.ActionPause, protocol.AtTime(pos))
	c.setState(StatePaused)
}

// TogglePlay is the click handler: pause when playing, play otherwise
func (c *Coordinator) TogglePlay() {
	if c.player.State().Playing {
		c.Pause()
		return
	}
	c.Play()
}

// Seek moves the playhead locally and, for a connected host, on the presentation
func (c *Coordinator) Seek(seconds float64) {
	c.player.Seek(seconds)
	c.broadcast(protocol.ActionSeek, protocol.AtTime(seconds))
}

// SetVolume changes the volume locally and on a connected presentation
func (c *Coordinator) SetVolume(volume float64) {
	c.player.SetVolume(volume)
	c.broadcast(protocol.ActionVolume, &protocol.CommandData{Volume: &volume})
}

// Props returns the rendering descriptor for the UI layer
func (c *Coordinator) Props() VideoProps {
	ps := c.player.State()
	c.mu.Lock()
	defer c.mu.Unlock()

	autoPlay := false
	switch c.role {
	case RoleIndependent:
		autoPlay = c.autoPlayPending && c.cfg.AutoPlay
	case RoleHost:
		autoPlay = c.autoPlayPending && c.cfg.AutoPlay && !c.connected
	}
	return VideoProps{
		Muted:    ps.Muted,
		AutoPlay: autoPlay,
		Volume:   ps.Volume,
		OnClick:  c.TogglePlay,
	}
}

func (c *Coordinator) handlePresentationStatus(s monitor.Status) {
	connected := s == monitor.StatusConnected

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	was := c.connected
	c.connected = connected
	if connected && !was {
		// a new presentation may run on a different clock
		c.lastReportAt = 0
	}
	c.mu.Unlock()

	switch {
	case connected && !was:
		c.player.SetMuted(true)
		c.initialSync()
	case !connected && was:
		if !c.cfg.StayMuted {
			c.player.SetMuted(false)
		}
		c.logger.Info().Bool("stay_muted", c.cfg.StayMuted).Msg("presentation lost, host audio restored")
	}
}

// initialSync pauses both sides at the host's position when a presentation appears
func (c *Coordinator) initialSync() {
	c.mu.Lock()
	c.autoplay.Stop()
	c.autoplay = nil
	c.mu.Unlock()

	c.player.Pause()
	pos := c.player.State().CurrentTime
	c.setState(StatePaused)
	c.broadcast(protocol.ActionPause, protocol.AtTime(pos))

	c.logger.Info().Float64("position", pos).Msg("presentation connected, initial sync")
}

func (c *Coordinator) handlePresentationVideoReady() {
	ps := c.player.State()
	if !ps.Playing {
		return
	}
	// the presentation finished loading behind a playing host
	c.broadcast(protocol.ActionPlay, protocol.AtTime(ps.CurrentTime))
}

// handleVideoStatus follows the presentation's reported playback
func (c *Coordinator) handleVideoStatus(report protocol.VideoState) {
	c.mu.Lock()
	if c.closed || !c.connected || c.state == StateIdle || c.state == StateLoading {
		c.mu.Unlock()
		return
	}
	// report stamps come from the presentation's clock; they only order its
	// own reports and are never compared with ours
	if report.UpdatedAt != 0 && report.UpdatedAt < c.lastReportAt {
		c.mu.Unlock()
		c.logger.Debug().Int64("updated_at", report.UpdatedAt).Msg("dropping out-of-order video report")
		return
	}
	if report.UpdatedAt > c.lastReportAt {
		c.lastReportAt = report.UpdatedAt
	}
	since := c.clock.Now().Sub(c.lastCommandAt)
	c.mu.Unlock()

	ref := Sample{Playing: report.Playing, CurrentTime: report.CurrentTime}
	ps := c.player.State()
	local := Sample{Playing: ps.Playing, CurrentTime: ps.CurrentTime}

	corr, ok := Decide(c.cfg.Drift, local, ref, since)
	if !ok {
		return
	}

	c.logger.Debug().
		Float64("local_time", local.CurrentTime).
		Float64("presentation_time", ref.CurrentTime).
		Bool("seek", corr.Seek).
		Msg("correcting drift")

	if corr.Seek {
		c.player.Seek(corr.SeekTo)
	}
	switch {
	case corr.Play:
		c.playLocal("drift")
	case corr.Pause:
		c.player.Pause()
		c.setState(StatePaused)
	}
}

// handleCommand applies a host command on the presentation
func (c *Coordinator) handleCommand(cmd protocol.Command) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastCommandAt = c.clock.Now()
	c.mu.Unlock()

	data := cmd.Data
	if data == nil {
		data = &protocol.CommandData{}
	}

	switch cmd.Action {
	case protocol.ActionPlay, protocol.ActionCoordinatedPlay:
		if data.Time != nil {
			c.player.Seek(*data.Time)
		}
		c.playLocal(string(cmd.Action))

	case protocol.ActionPause:
		c.player.Pause()
		if data.Time != nil {
			c.player.Seek(*data.Time)
		}
		c.setState(StatePaused)

	case protocol.ActionSeek:
		if data.Time != nil {
			c.player.Seek(*data.Time)
		}

	case protocol.ActionReset:
		c.player.Pause()
		c.player.Seek(0)
		c.setState(StatePaused)

	case protocol.ActionVolume:
		if data.Volume != nil {
			c.player.SetVolume(*data.Volume)
		}
		if data.Muted != nil {
			c.player.SetMuted(*data.Muted)
		}

	case protocol.ActionPlaybackRate:
		if data.PlaybackRate != nil {
			c.player.SetPlaybackRate(*data.PlaybackRate)
		}

	default:
		return
	}

	c.logger.Debug().Str("action", string(cmd.Action)).Str("command_id", cmd.ID).Msg("host command applied")
}

func (c *Coordinator) snapshot() protocol.VideoState {
	ps := c.player.State()
	return protocol.VideoState{
		Playing:     ps.Playing,
		CurrentTime: ps.CurrentTime,
		Duration:    ps.Duration,
		Volume:      ps.Volume,
		UpdatedAt:   c.clock.Now().UnixMilli(),
	}
}

func (c *Coordinator) report() {
	c.mu.Lock()
	active := !c.closed && (c.state == StatePlaying || c.state == StatePaused)
	c.mu.Unlock()
	if !active {
		return
	}
	c.pres.SendVideoStatus(c.snapshot())
}

// Close stops timers and detaches from the link. The player is left as is.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.autoplay.Stop()
	c.reporter.Stop()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if c.pres != nil {
		c.pres.SetVideoStatusProvider(nil)
	}
}
