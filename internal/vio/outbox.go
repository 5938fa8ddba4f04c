package vio

import (
	"sync"
	"sync/atomic"
)

// outbox holds the most recent session output for the worker. A newer
// record replaces an unread one, so the worker never sees a backlog.
type outbox struct {
	mu      sync.Mutex
	latest  Record
	pending bool
	closed  bool
	err     error

	ready chan struct{}
	drops atomic.Uint64
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(r Record) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.pending {
		o.drops.Add(1)
	}
	o.latest = r
	o.pending = true
	o.mu.Unlock()

	o.notify()
}

func (o *outbox) notify() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// has reports whether pop would return without ErrNoOutput, which includes
// reporting the close.
func (o *outbox) has() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending || o.closed
}

// pop returns the latest unread record. A record pushed before close is
// still delivered; after that the close error (or ErrClosed) is returned.
func (o *outbox) pop() (Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.pending {
		if o.closed {
			if o.err != nil {
				return nil, o.err
			}
			return nil, ErrClosed
		}
		return nil, ErrNoOutput
	}
	r := o.latest
	o.latest = nil
	o.pending = false
	return r, nil
}

func (o *outbox) close(err error) {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		o.err = err
	}
	o.mu.Unlock()
	o.notify()
}
