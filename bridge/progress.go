package bridge

import "sync"

// MaxProgress keeps the furthest progress seen, by key. The bridge delivers
// progress in arrival order; consumers that render it use MaxProgress to avoid
// moving backwards when a transport reorders events.
type MaxProgress[P any] struct {
	mu   sync.Mutex
	key  func(P) int64
	best P
	seen bool
}

// NewMaxProgress creates a tracker ordering progress values by key
func NewMaxProgress[P any](key func(P) int64) *MaxProgress[P] {
	return &MaxProgress[P]{key: key}
}

// Observe records p unless an earlier value is strictly further along. It
// returns the current value and whether p was taken.
func (m *MaxProgress[P]) Observe(p P) (P, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen && m.key(m.best) > m.key(p) {
		return m.best, false
	}
	m.best = p
	m.seen = true
	return p, true
}

// Current returns the furthest value seen and whether any was
func (m *MaxProgress[P]) Current() (P, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.best, m.seen
}
