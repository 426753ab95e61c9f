package protocol

import "sync"

// IDWindow remembers the most recent message ids, oldest evicted first.
// Receivers use it to drop the second copy of a message delivered over both
// transports, and remote channels use it to drop their own echoes.
type IDWindow struct {
	mu    sync.Mutex
	size  int
	order []string
	seen  map[string]struct{}
}

// NewIDWindow creates a window holding up to size ids
func NewIDWindow(size int) *IDWindow {
	if size <= 0 {
		size = 1
	}
	return &IDWindow{
		size:  size,
		order: make([]string, 0, size),
		seen:  make(map[string]struct{}, size),
	}
}

// Add records id and reports whether it was new. Empty ids are always new.
func (w *IDWindow) Add(id string) bool {
	if id == "" {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[id]; ok {
		return false
	}
	if len(w.order) == w.size {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, id)
	w.seen[id] = struct{}{}
	return true
}

// Contains reports whether id is in the window without recording it
func (w *IDWindow) Contains(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[id]
	return ok
}
