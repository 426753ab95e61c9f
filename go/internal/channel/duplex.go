// Package channel combines the same-device and cross-device transports into the
// single session link used by the host and presentation managers.
package channel

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/protocol"
)

// ErrNoTransport is returned when neither a local bus nor a remote broker is given
var ErrNoTransport = errors.New("no transport configured")

const dedupeWindow = 512

// Duplex publishes every message on both transports and delivers each logical
// message once, whichever transport it arrives on first.
type Duplex struct {
	SessionID string

	local  *local.Handle
	remote *remote.Channel
	seen   *protocol.IDWindow
	logger zerolog.Logger
	unsubs []func()
}

// OpenDuplex opens a local handle (when bus is non-nil) and a remote channel on
// the session topic (when broker is non-nil). onMsg receives deduplicated messages.
func OpenDuplex(sessionID string, bus *local.Bus, broker remote.Broker, cfg remote.Config, role string, onMsg func(protocol.Message)) (*Duplex, error) {
	if bus == nil && broker == nil {
		return nil, ErrNoTransport
	}

	d := &Duplex{
		SessionID: sessionID,
		seen:      protocol.NewIDWindow(dedupeWindow),
		logger: log.With().
			Str("component", "duplex").
			Str("role", role).
			Str("session_id", sessionID).
			Logger(),
	}

	deliver := func(msg protocol.Message) {
		if !d.seen.Add(msg.ID) {
			return
		}
		onMsg(msg)
	}

	if bus != nil {
		h, err := bus.Open(sessionID)
		if err != nil {
			return nil, fmt.Errorf("open local channel: %w", err)
		}
		d.local = h
		d.unsubs = append(d.unsubs, h.Subscribe(deliver))
	}

	if broker != nil {
		d.remote = remote.Connect(broker, sessionID, remote.TopicSession, cfg)
		d.unsubs = append(d.unsubs,
			d.remote.OnMessage(deliver),
			d.remote.OnStateChange(func(s remote.State) {
				d.logger.Debug().Str("state", string(s)).Msg("remote session channel state")
			}),
		)
	}

	return d, nil
}

// Publish sends msg on every open transport. Failures are logged and dropped.
func (d *Duplex) Publish(msg protocol.Message) {
	d.seen.Add(msg.ID)

	if d.local != nil {
		d.local.Publish(msg)
	}
	if d.remote != nil {
		if err := d.remote.Send(msg); err != nil {
			d.logger.Debug().
				Err(err).
				Str("message_type", string(msg.Type)).
				Msg("remote send dropped")
		}
	}
}

// RemoteState returns the raw remote state, or CLOSED without a remote transport
func (d *Duplex) RemoteState() remote.State {
	if d.remote == nil {
		return remote.StateClosed
	}
	return d.remote.State()
}

// Close removes handlers and releases both transports
func (d *Duplex) Close() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil

	if d.local != nil {
		d.local.Close()
	}
	if d.remote != nil {
		d.remote.Disconnect()
	}
}
