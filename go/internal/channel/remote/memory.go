package remote

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const memoryQueueSize = 256

// MemoryBroker is an in-process Broker for single-process deployments and tests.
// SetAvailable(false) simulates losing the server: every live subscription gets
// CHANNEL_ERROR and is dropped, and new subscribes and publishes fail.
type MemoryBroker struct {
	mu        sync.Mutex
	subs      map[string]map[*memorySub]bool
	available bool
}

type memorySub struct {
	broker  *MemoryBroker
	subject string
	onMsg   func([]byte)
	onState func(State)

	mu     sync.Mutex
	closed bool
	queue  chan []byte
}

// NewMemoryBroker creates an available in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:      make(map[string]map[*memorySub]bool),
		available: true,
	}
}

// Subscribe implements Broker
func (b *MemoryBroker) Subscribe(ctx context.Context, subject string, onMsg func([]byte), onState func(State)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return nil, ErrUnavailable
	}

	s := &memorySub{
		broker:  b,
		subject: subject,
		onMsg:   onMsg,
		onState: onState,
		queue:   make(chan []byte, memoryQueueSize),
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]bool)
	}
	b.subs[subject][s] = true
	go s.pump()

	return s, nil
}

// Publish implements Broker
func (b *MemoryBroker) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if !b.available {
		b.mu.Unlock()
		return ErrUnavailable
	}
	targets := make([]*memorySub, 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(data)
	}
	return nil
}

// SetAvailable toggles simulated server reachability
func (b *MemoryBroker) SetAvailable(available bool) {
	b.mu.Lock()
	b.available = available
	var dropped []*memorySub
	if !available {
		for _, set := range b.subs {
			for s := range set {
				dropped = append(dropped, s)
			}
		}
		b.subs = make(map[string]map[*memorySub]bool)
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.close()
		if s.onState != nil {
			s.onState(StateChannelError)
		}
	}
	if len(dropped) > 0 {
		log.Debug().Int("subscriptions", len(dropped)).Msg("memory broker dropped subscriptions")
	}
}

// Subscribers reports the number of live subscriptions on subject
func (b *MemoryBroker) Subscribers(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subject])
}

func (s *memorySub) Unsubscribe() error {
	s.broker.mu.Lock()
	if set, ok := s.broker.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.broker.subs, s.subject)
		}
	}
	s.broker.mu.Unlock()

	s.close()
	return nil
}

func (s *memorySub) enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.queue <- data:
	default:
		log.Warn().Str("subject", s.subject).Msg("memory subscription queue full, dropping message")
	}
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *memorySub) pump() {
	for data := range s.queue {
		s.onMsg(data)
	}
}
