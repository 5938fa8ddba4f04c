package config

import "sync"

// Store holds the single authoritative runtime Configuration of a process.
// It is created once and handed to its users; there is no package-level
// instance.
//
// Only the control path calls Set. Session workers never read the store
// directly; they receive the snapshot returned by Get when they start.
type Store struct {
	mu  sync.RWMutex
	cfg Configuration
}

// NewStore returns a store seeded with initial.
func NewStore(initial Configuration) *Store {
	return &Store{cfg: initial}
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set validates and applies one mutation. Either the whole mutation is
// applied or the store is left unchanged and a *ValidationError is returned.
// changed reports whether the stored value differs from the previous one.
func (s *Store) Set(key string, v Value) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.cfg.With(key, v)
	if err != nil {
		return false, err
	}
	changed = next != s.cfg
	s.cfg = next
	return changed, nil
}
