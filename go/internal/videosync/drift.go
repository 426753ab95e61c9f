package videosync

import (
	"math"
	"time"
)

// DriftConfig bounds how eagerly the host follows the presentation
type DriftConfig struct {
	// Tolerance is the divergence below which nothing is corrected
	Tolerance time.Duration
	// Cooldown suppresses corrections right after a local command
	Cooldown time.Duration
	// SeekThreshold is the divergence above which position is corrected too
	SeekThreshold time.Duration
}

// DefaultDriftConfig returns default drift thresholds
func DefaultDriftConfig() DriftConfig {
	return DriftConfig{
		Tolerance:     1500 * time.Millisecond,
		Cooldown:      2 * time.Second,
		SeekThreshold: 3 * time.Second,
	}
}

// Sample is one side's playback position
type Sample struct {
	Playing     bool
	CurrentTime float64
}

// Correction is what the follower should do to converge on the reference
type Correction struct {
	Play   bool
	Pause  bool
	Seek   bool
	SeekTo float64
}

// Decide compares the follower's local sample with the reference sample. It
// corrects only when the positions diverge by more than Tolerance and the last
// local command is at least Cooldown old. Play state is aligned first; the
// position is moved only past SeekThreshold.
func Decide(cfg DriftConfig, local, reference Sample, sinceLastCommand time.Duration) (Correction, bool) {
	if sinceLastCommand < cfg.Cooldown {
		return Correction{}, false
	}
	divergence := math.Abs(local.CurrentTime - reference.CurrentTime)
	if divergence <= cfg.Tolerance.Seconds() {
		return Correction{}, false
	}

	var c Correction
	switch {
	case reference.Playing && !local.Playing:
		c.Play = true
	case !reference.Playing && local.Playing:
		c.Pause = true
	}
	if divergence > cfg.SeekThreshold.Seconds() {
		c.Seek = true
		c.SeekTo = reference.CurrentTime
	}
	return c, c.Play || c.Pause || c.Seek
}
