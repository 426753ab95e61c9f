// Package session holds the explicit per-session registry that replaces
// process-global singleton maps.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrEmptySessionID is returned when a registry lookup has no session id
var ErrEmptySessionID = errors.New("session id is required")

// BuildFunc constructs the manager for a session. release must be called by the
// manager's Destroy so the registry forgets it.
type BuildFunc[M any] func(sessionID string, release func()) (M, error)

// Registry maps session id to exactly one live manager instance.
// Destroy on the manager is the only path that removes an entry.
type Registry[M any] struct {
	name  string
	build BuildFunc[M]

	mu    sync.Mutex
	items map[string]*entry[M]
}

type entry[M any] struct {
	manager M
}

// NewRegistry creates an empty registry; name only shows up in logs
func NewRegistry[M any](name string, build BuildFunc[M]) *Registry[M] {
	return &Registry[M]{
		name:  name,
		build: build,
		items: make(map[string]*entry[M]),
	}
}

// Get returns the live manager for sessionID, building it on first use
func (r *Registry[M]) Get(sessionID string) (M, error) {
	var zero M
	if sessionID == "" {
		return zero, ErrEmptySessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.items[sessionID]; ok {
		return e.manager, nil
	}

	e := &entry[M]{}
	manager, err := r.build(sessionID, func() { r.release(sessionID, e) })
	if err != nil {
		return zero, fmt.Errorf("build %s for session %s: %w", r.name, sessionID, err)
	}
	e.manager = manager
	r.items[sessionID] = e

	log.Debug().
		Str("registry", r.name).
		Str("session_id", sessionID).
		Int("live_sessions", len(r.items)).
		Msg("manager created")

	return manager, nil
}

// Lookup returns the live manager without creating one
func (r *Registry[M]) Lookup(sessionID string) (M, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.items[sessionID]
	if !ok {
		var zero M
		return zero, false
	}
	return e.manager, true
}

// Sessions returns the ids of all live sessions
func (r *Registry[M]) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live managers
func (r *Registry[M]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// release drops the entry only if it is still the one that was built; a stale
// release from an already replaced manager leaves the new one alone.
func (r *Registry[M]) release(sessionID string, e *entry[M]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.items[sessionID]; ok && current == e {
		delete(r.items, sessionID)
		log.Debug().
			Str("registry", r.name).
			Str("session_id", sessionID).
			Int("live_sessions", len(r.items)).
			Msg("manager released")
	}
}
