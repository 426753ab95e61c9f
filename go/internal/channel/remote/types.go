// Package remote is the server-mediated, cross-device publish/subscribe transport.
// It forwards the raw subscription states of the underlying broker and leaves
// their interpretation to callers.
package remote

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotSubscribed is returned by Send while the channel is not SUBSCRIBED
	ErrNotSubscribed = errors.New("remote channel not subscribed")
	// ErrUnavailable is returned by a broker that cannot reach its server
	ErrUnavailable = errors.New("broker unavailable")
)

// State is a raw subscription state as reported by the broker
type State string

const (
	StateJoining      State = "JOINING"
	StateSubscribed   State = "SUBSCRIBED"
	StateChannelError State = "CHANNEL_ERROR"
	StateTimedOut     State = "TIMED_OUT"
	StateClosed       State = "CLOSED"
)

// IsFailure reports whether s means the subscription is no longer usable
func (s State) IsFailure() bool {
	return s == StateChannelError || s == StateTimedOut || s == StateClosed
}

// Topic selects which per-session subject a channel attaches to
type Topic string

const (
	// TopicSession carries host <-> presentation traffic
	TopicSession Topic = "session"
	// TopicTeams carries host -> team game events
	TopicTeams Topic = "teams"
)

// Broker is a server-mediated bus. Implementations must deliver messages of one
// subscription sequentially and in publish order.
type Broker interface {
	// Subscribe attaches onMsg to subject. It returns once the server has
	// confirmed the subscription or ctx expires. onState receives later changes
	// to the subscription (errors, recovery, close).
	Subscribe(ctx context.Context, subject string, onMsg func([]byte), onState func(State)) (Subscription, error)
	Publish(subject string, data []byte) error
}

// Subscription is a live broker subscription
type Subscription interface {
	Unsubscribe() error
}

// Config holds remote channel settings
type Config struct {
	SubjectPrefix    string
	SubscribeTimeout time.Duration
	EchoWindow       int // how many of our own sent ids to remember
}

// DefaultConfig returns default remote channel configuration
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:    "gamesync",
		SubscribeTimeout: 10 * time.Second,
		EchoWindow:       256,
	}
}

// Subject builds the broker subject for a session topic, e.g. gamesync.session.<id>
func Subject(prefix string, topic Topic, sessionID string) string {
	return prefix + "." + string(topic) + "." + subjectToken(sessionID)
}

// subjectToken keeps a session id from introducing extra subject tokens or wildcards
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
