// Package stop provides the one-shot cancellation flag shared between the
// lifecycle manager and exactly one session worker.
package stop

import (
	"sync"
	"sync/atomic"
)

// Signal is set once and never cleared. Each worker generation gets a fresh
// Signal; a Signal is never reused across generations.
type Signal struct {
	gen  uint64
	once sync.Once
	set  atomic.Bool
	done chan struct{}
}

// New returns an unset Signal for generation gen.
func New(gen uint64) *Signal {
	return &Signal{gen: gen, done: make(chan struct{})}
}

// Set marks the signal. Calling Set more than once is harmless.
func (s *Signal) Set() {
	s.once.Do(func() {
		s.set.Store(true)
		close(s.done)
	})
}

// IsSet reports whether Set has been called.
func (s *Signal) IsSet() bool { return s.set.Load() }

// Done returns a channel closed when the signal is set.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Generation returns the worker generation this signal belongs to.
func (s *Signal) Generation() uint64 { return s.gen }
