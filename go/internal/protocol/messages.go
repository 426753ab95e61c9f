package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned when a frame cannot be decoded into a Message
var ErrInvalidMessage = errors.New("invalid message")

// MessageType discriminates the Message union
type MessageType string

const (
	TypeHostCommand            MessageType = "HOST_COMMAND"
	TypeSlideUpdate            MessageType = "SLIDE_UPDATE"
	TypeJoinInfo               MessageType = "JOIN_INFO"
	TypeJoinInfoClose          MessageType = "JOIN_INFO_CLOSE"
	TypePresentationStatus     MessageType = "PRESENTATION_STATUS"
	TypePing                   MessageType = "PING"
	TypeCommandAck             MessageType = "COMMAND_ACK"
	TypeClosePresentation      MessageType = "CLOSE_PRESENTATION"
	TypeVideoStatusPoll        MessageType = "VIDEO_STATUS_POLL"
	TypeVideoStatusResponse    MessageType = "VIDEO_STATUS_RESPONSE"
	TypePresentationDisconnect MessageType = "PRESENTATION_DISCONNECT"
	TypePresentationVideoReady MessageType = "PRESENTATION_VIDEO_READY"

	// Team game events travel on the team topic only.
	TypeDecisionTime         MessageType = "decision_time"
	TypeDecisionClosed       MessageType = "decision_closed"
	TypeKpiUpdated           MessageType = "kpi_updated"
	TypeDecisionReset        MessageType = "decision_reset"
	TypeGameEnded            MessageType = "game_ended"
	TypeInteractiveSlideData MessageType = "interactive_slide_data"
)

var knownTypes = map[MessageType]bool{
	TypeHostCommand:            true,
	TypeSlideUpdate:            true,
	TypeJoinInfo:               true,
	TypeJoinInfoClose:          true,
	TypePresentationStatus:     true,
	TypePing:                   true,
	TypeCommandAck:             true,
	TypeClosePresentation:      true,
	TypeVideoStatusPoll:        true,
	TypeVideoStatusResponse:    true,
	TypePresentationDisconnect: true,
	TypePresentationVideoReady: true,
	TypeDecisionTime:           true,
	TypeDecisionClosed:         true,
	TypeKpiUpdated:             true,
	TypeDecisionReset:          true,
	TypeGameEnded:              true,
	TypeInteractiveSlideData:   true,
}

// IsTeamEvent reports whether t is one of the host-to-team game events
func (t MessageType) IsTeamEvent() bool {
	switch t {
	case TypeDecisionTime, TypeDecisionClosed, TypeKpiUpdated,
		TypeDecisionReset, TypeGameEnded, TypeInteractiveSlideData:
		return true
	}
	return false
}

// PresentationStatus is the readiness signal a presentation emits
type PresentationStatus string

const (
	StatusReady PresentationStatus = "ready"
	StatusPong  PresentationStatus = "pong"
)

// Message is the single wire format shared by every transport.
// Variant fields are optional and only meaningful for their Type.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"` // epoch ms
	ID        string      `json:"id,omitempty"`

	// HOST_COMMAND / COMMAND_ACK
	Action    CommandAction `json:"action,omitempty"`
	CommandID string        `json:"commandId,omitempty"`
	Data      *CommandData  `json:"data,omitempty"`

	// SLIDE_UPDATE, and the slide attached to team events
	Slide    *Slide        `json:"slide,omitempty"`
	TeamData *TeamSnapshot `json:"teamData,omitempty"`

	// JOIN_INFO
	JoinURL    string `json:"joinUrl,omitempty"`
	QRCodeData string `json:"qrCodeData,omitempty"`

	// PRESENTATION_STATUS
	Status PresentationStatus `json:"status,omitempty"`

	// VIDEO_STATUS_RESPONSE
	Video *VideoState `json:"videoState,omitempty"`

	// team events
	KpiDelta    json.RawMessage `json:"kpiDelta,omitempty"`
	Note        string          `json:"message,omitempty"`
	TeamID      string          `json:"teamId,omitempty"`
	DecisionKey string          `json:"decisionKey,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Slide is opaque to the sync core beyond its id and interactive data key
type Slide struct {
	ID                 int             `json:"id"`
	Type               string          `json:"type,omitempty"`
	Title              string          `json:"title,omitempty"`
	SourceURL          string          `json:"source_url,omitempty"`
	InteractiveDataKey string          `json:"interactive_data_key,omitempty"`
	Content            json.RawMessage `json:"content,omitempty"`
}

// TeamSnapshot is the KPI/team-data snapshot optionally attached to a slide update
type TeamSnapshot struct {
	Round int            `json:"round"`
	Teams []TeamKPIs     `json:"teams"`
	Extra map[string]any `json:"extra,omitempty"`
}

// TeamKPIs holds one team's KPI values for a round
type TeamKPIs struct {
	TeamID   string             `json:"team_id"`
	TeamName string             `json:"team_name"`
	KPIs     map[string]float64 `json:"kpis"`
}

// VideoState is the playback state a tab reports about its own video element
type VideoState struct {
	Playing     bool    `json:"playing"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	Volume      float64 `json:"volume"`
	UpdatedAt   int64   `json:"lastUpdateTimestamp"`
}

// New builds a Message with a fresh id and the given timestamp
func New(t MessageType, sessionID string, now time.Time) Message {
	return Message{
		Type:      t,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
		ID:        uuid.NewString(),
	}
}

// Validate checks the mandatory envelope fields
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if !knownTypes[m.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidMessage)
	}
	return nil
}

// Encode marshals a message for a byte-oriented transport
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Decode unmarshals and validates a frame
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
