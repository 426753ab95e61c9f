package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/protocol"
)

// Channel is one session-scoped handle on the remote bus
type Channel struct {
	SessionID string
	Subject   string

	broker Broker
	cfg    Config
	echoes *protocol.IDWindow
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	sub           Subscription
	closed        bool
	cancel        context.CancelFunc
	nextID        uint64
	msgHandlers   map[uint64]func(protocol.Message)
	stateHandlers map[uint64]func(State)
}

// Connect creates a channel for sessionID on topic and starts subscribing in the
// background. The channel starts in JOINING.
func Connect(broker Broker, sessionID string, topic Topic, cfg Config) *Channel {
	subject := Subject(cfg.SubjectPrefix, topic, sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.SubscribeTimeout)

	c := &Channel{
		SessionID:     sessionID,
		Subject:       subject,
		broker:        broker,
		cfg:           cfg,
		echoes:        protocol.NewIDWindow(cfg.EchoWindow),
		logger:        log.With().Str("component", "remote-channel").Str("subject", subject).Logger(),
		state:         StateJoining,
		cancel:        cancel,
		msgHandlers:   make(map[uint64]func(protocol.Message)),
		stateHandlers: make(map[uint64]func(State)),
	}

	go c.subscribe(ctx)
	return c
}

func (c *Channel) subscribe(ctx context.Context) {
	defer c.cancel()

	sub, err := c.broker.Subscribe(ctx, c.Subject, c.receive, c.setState)
	if err != nil {
		state := StateChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			state = StateTimedOut
		}
		c.logger.Warn().Err(err).Str("state", string(state)).Msg("remote subscribe failed")
		c.setState(state)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Msg("unsubscribe after disconnect failed")
		}
		return
	}
	c.sub = sub
	c.mu.Unlock()

	c.logger.Debug().Msg("remote channel subscribed")
	c.setState(StateSubscribed)
}

// setState records s and notifies state handlers. The handler snapshot is taken
// together with the state change so a concurrent OnStateChange sees each state once.
func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := make([]func(State), 0, len(c.stateHandlers))
	for _, fn := range c.stateHandlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (c *Channel) receive(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping undecodable remote message")
		return
	}
	if msg.SessionID != c.SessionID {
		c.logger.Debug().Str("message_session_id", msg.SessionID).Msg("dropping message for another session")
		return
	}
	if c.echoes.Contains(msg.ID) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handlers := make([]func(protocol.Message), 0, len(c.msgHandlers))
	for _, fn := range c.msgHandlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

// State returns the current raw state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send publishes msg if the channel is subscribed
func (c *Channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	state, closed := c.state, c.closed
	c.mu.Unlock()

	if closed || state != StateSubscribed {
		return fmt.Errorf("%w: state %s", ErrNotSubscribed, state)
	}
	if msg.SessionID != c.SessionID {
		return fmt.Errorf("%w: message for session %s on channel %s", protocol.ErrInvalidMessage, msg.SessionID, c.SessionID)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.echoes.Add(msg.ID)
	if err := c.broker.Publish(c.Subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", c.Subject, err)
	}
	return nil
}

// OnMessage registers a handler for decoded messages of this session
func (c *Channel) OnMessage(fn func(protocol.Message)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.msgHandlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgHandlers, id)
	}
}

// OnStateChange registers a state handler. If the channel already left JOINING,
// fn is called immediately with the current state.
func (c *Channel) OnStateChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.stateHandlers[id] = fn
	current := c.state
	c.mu.Unlock()

	if current != StateJoining {
		fn(current)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// Disconnect drops all handlers and releases the subscription. Handlers are
// cleared first, so no CLOSED notification is delivered for an explicit disconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	c.msgHandlers = make(map[uint64]func(protocol.Message))
	c.stateHandlers = make(map[uint64]func(State))
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	c.cancel()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	c.logger.Debug().Msg("remote channel disconnected")
}
