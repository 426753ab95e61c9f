// Package local is the same-device publish/subscribe bus scoped by session id.
// A Handle never receives its own messages and stops delivering once closed.
package local

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/protocol"
)

// ErrClosed is returned by Open on a closed bus
var ErrClosed = errors.New("local bus closed")

const defaultQueueSize = 256

// Bus routes messages between handles opened for the same session
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]map[*Handle]bool
	closed   bool

	queueSize int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		sessions:  make(map[string]map[*Handle]bool),
		queueSize: defaultQueueSize,
	}
}

// Handle is one participant's open view of a session channel
type Handle struct {
	ID        string
	SessionID string
	bus       *Bus

	mu        sync.Mutex
	closed    bool
	queue     chan protocol.Message
	listeners map[uint64]func(protocol.Message)
	nextID    uint64
}

// Open allocates a handle for sessionID. The caller must Close it.
func (b *Bus) Open(sessionID string) (*Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	h := &Handle{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		bus:       b,
		queue:     make(chan protocol.Message, b.queueSize),
		listeners: make(map[uint64]func(protocol.Message)),
	}
	if b.sessions[sessionID] == nil {
		b.sessions[sessionID] = make(map[*Handle]bool)
	}
	b.sessions[sessionID][h] = true

	go h.pump()

	log.Debug().
		Str("handle_id", h.ID).
		Str("session_id", sessionID).
		Int("open_handles", len(b.sessions[sessionID])).
		Msg("local channel opened")

	return h, nil
}

// Close closes every open handle
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var handles []*Handle
	for _, set := range b.sessions {
		for h := range set {
			handles = append(handles, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

// HandleCount reports how many handles are open for a session
func (b *Bus) HandleCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions[sessionID])
}

func (b *Bus) unregister(h *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.sessions[h.SessionID]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(b.sessions, h.SessionID)
		}
	}
}

func (b *Bus) peers(from *Handle) []*Handle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.sessions[from.SessionID]
	peers := make([]*Handle, 0, len(set))
	for h := range set {
		if h != from {
			peers = append(peers, h)
		}
	}
	return peers
}

// Publish delivers msg to every other open handle of the same session.
// Publishing on a closed handle is a logged no-op.
func (h *Handle) Publish(msg protocol.Message) {
	if h.isClosed() {
		log.Debug().
			Str("handle_id", h.ID).
			Str("message_type", string(msg.Type)).
			Msg("publish on closed local channel ignored")
		return
	}
	if msg.SessionID != h.SessionID {
		log.Warn().
			Str("session_id", h.SessionID).
			Str("message_session_id", msg.SessionID).
			Msg("refusing to publish message for another session")
		return
	}

	for _, peer := range h.bus.peers(h) {
		peer.enqueue(msg)
	}
}

// Subscribe registers fn for every message delivered to this handle
func (h *Handle) Subscribe(fn func(protocol.Message)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// Close releases the handle; further publishes and deliveries are dropped.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.listeners = make(map[uint64]func(protocol.Message))
	close(h.queue)
	h.mu.Unlock()

	h.bus.unregister(h)

	log.Debug().
		Str("handle_id", h.ID).
		Str("session_id", h.SessionID).
		Msg("local channel closed")
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) enqueue(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	select {
	case h.queue <- msg:
	default:
		log.Warn().
			Str("handle_id", h.ID).
			Str("session_id", h.SessionID).
			Str("message_type", string(msg.Type)).
			Msg("local channel queue full, dropping message")
	}
}

// pump delivers queued messages in publish order
func (h *Handle) pump() {
	for msg := range h.queue {
		if msg.SessionID != h.SessionID {
			continue
		}
		for _, fn := range h.snapshot() {
			fn(msg)
		}
	}
}

func (h *Handle) snapshot() []func(protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fns := make([]func(protocol.Message), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	return fns
}
