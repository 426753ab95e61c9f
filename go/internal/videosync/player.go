package videosync

import (
	"errors"
	"sync"
	"time"

	"github.com/mcdev12/gamesync/go/internal/sched"
)

// ErrPlaybackBlocked is what a player returns when the environment refuses to start playback
var ErrPlaybackBlocked = errors.New("playback blocked")

// PlayerState is a point-in-time view of a video element
type PlayerState struct {
	Playing      bool
	CurrentTime  float64
	Duration     float64
	Volume       float64
	Muted        bool
	PlaybackRate float64
}

// Player is the local video element the coordinator drives
type Player interface {
	Play() error
	Pause()
	Seek(seconds float64)
	SetMuted(muted bool)
	SetVolume(volume float64)
	SetPlaybackRate(rate float64)
	State() PlayerState
}

// VirtualPlayer is a clock-driven player with no media attached. The headless
// presentation uses it, and tests use it with a fake clock.
type VirtualPlayer struct {
	clock sched.Clock

	mu       sync.Mutex
	playing  bool
	position float64   // seconds at anchor
	anchor   time.Time // when position was last fixed
	duration float64
	volume   float64
	muted    bool
	rate     float64
	playErr  error
}

// NewVirtualPlayer returns a paused player at 0. duration <= 0 means unbounded.
func NewVirtualPlayer(clock sched.Clock, duration float64) *VirtualPlayer {
	return &VirtualPlayer{
		clock:    clock,
		anchor:   clock.Now(),
		duration: duration,
		volume:   1,
		rate:     1,
	}
}

// SetPlayError makes subsequent Play calls fail with err; nil clears it
func (p *VirtualPlayer) SetPlayError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playErr = err
}

func (p *VirtualPlayer) positionLocked() float64 {
	pos := p.position
	if p.playing {
		pos += p.clock.Now().Sub(p.anchor).Seconds() * p.rate
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	return pos
}

// fix folds elapsed playback into position
func (p *VirtualPlayer) fix() {
	p.position = p.positionLocked()
	p.anchor = p.clock.Now()
}

func (p *VirtualPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.fix()
	p.playing = true
	return nil
}

func (p *VirtualPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix()
	p.playing = false
}

func (p *VirtualPlayer) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seconds < 0 {
		seconds = 0
	}
	if p.duration > 0 && seconds > p.duration {
		seconds = p.duration
	}
	p.position = seconds
	p.anchor = p.clock.Now()
}

func (p *VirtualPlayer) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

func (p *VirtualPlayer) SetVolume(volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = min(max(volume, 0), 1)
}

func (p *VirtualPlayer) SetPlaybackRate(rate float64) {
	if rate <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix()
	p.rate = rate
}

func (p *VirtualPlayer) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerState{
		Playing:      p.playing,
		CurrentTime:  p.positionLocked(),
		Duration:     p.duration,
		Volume:       p.volume,
		Muted:        p.muted,
		PlaybackRate: p.rate,
	}
}
