package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS broker
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "gamesync",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBroker implements Broker on core NATS subjects. Connection-level events are
// fanned out to every live subscription as raw states.
type NATSBroker struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs map[*natsSub]bool
}

type natsSub struct {
	broker  *NATSBroker
	sub     *nats.Subscription
	onState func(State)
}

// NewNATSBroker connects to NATS
func NewNATSBroker(cfg NATSConfig) (*NATSBroker, error) {
	b := &NATSBroker{subs: make(map[*natsSub]bool)}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			b.broadcastState(StateChannelError)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			b.broadcastState(StateSubscribed)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
			b.broadcastState(StateClosed)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.nc = nc

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
	return b, nil
}

// Subscribe implements Broker. The server round trip is confirmed with a flush
// bounded by ctx.
func (b *NATSBroker) Subscribe(ctx context.Context, subject string, onMsg func([]byte), onState func(State)) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		onMsg(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	if err := b.nc.FlushWithContext(ctx); err != nil {
		if unsubErr := sub.Unsubscribe(); unsubErr != nil {
			log.Debug().Err(unsubErr).Str("subject", subject).Msg("unsubscribe after failed flush")
		}
		return nil, fmt.Errorf("confirm subscription %s: %w", subject, err)
	}

	s := &natsSub{broker: b, sub: sub, onState: onState}
	b.mu.Lock()
	b.subs[s] = true
	b.mu.Unlock()

	return s, nil
}

// Publish implements Broker
func (b *NATSBroker) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is up
func (b *NATSBroker) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains pending messages and closes the connection
func (b *NATSBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func (b *NATSBroker) broadcastState(s State) {
	b.mu.Lock()
	targets := make([]*natsSub, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if sub.onState != nil {
			sub.onState(s)
		}
	}
}

func (s *natsSub) Unsubscribe() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.sub.Subject, err)
	}
	return nil
}
