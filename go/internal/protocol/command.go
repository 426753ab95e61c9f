package protocol

import (
	"time"

	"github.com/google/uuid"
)

// CommandAction is the verb of a host command
type CommandAction string

const (
	ActionPlay             CommandAction = "play"
	ActionPause            CommandAction = "pause"
	ActionSeek             CommandAction = "seek"
	ActionReset            CommandAction = "reset"
	ActionVolume           CommandAction = "volume"
	ActionScroll           CommandAction = "scroll"
	ActionCoordinatedPlay  CommandAction = "coordinated_autoplay"
	ActionPlaybackRate     CommandAction = "playback_rate"
	ActionCloseInteractive CommandAction = "close_interactive"
)

// CommandData carries the optional arguments of a host command
type CommandData struct {
	Time         *float64 `json:"time,omitempty"`
	Volume       *float64 `json:"volume,omitempty"`
	Muted        *bool    `json:"muted,omitempty"`
	PlaybackRate *float64 `json:"playbackRate,omitempty"`
	ScrollOffset *float64 `json:"scrollOffset,omitempty"`
}

// AtTime is shorthand for command data that only carries a playback position
func AtTime(seconds float64) *CommandData {
	return &CommandData{Time: &seconds}
}

// Command is a decoded host command as seen by a presentation
type Command struct {
	ID     string
	Action CommandAction
	Data   *CommandData
	SentAt time.Time
}

// NewCommandID returns a token used only to correlate acks with commands
func NewCommandID() string {
	return uuid.NewString()
}

// NewHostCommand builds a HOST_COMMAND message with a fresh command id
func NewHostCommand(sessionID string, action CommandAction, data *CommandData, now time.Time) Message {
	m := New(TypeHostCommand, sessionID, now)
	m.Action = action
	m.CommandID = NewCommandID()
	m.Data = data
	return m
}

// CommandFrom extracts the command view of a HOST_COMMAND message
func CommandFrom(m Message) Command {
	return Command{
		ID:     m.CommandID,
		Action: m.Action,
		Data:   m.Data,
		SentAt: time.UnixMilli(m.Timestamp),
	}
}
