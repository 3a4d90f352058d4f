package backend

import "sync"

// Signal is a coalescing wakeup: a channel with a buffer of one that
// drops sends when a wakeup is already pending.
//
// Implementations use it as the C of their subscriptions.
type Signal struct {
	ch   chan struct{}
	once sync.Once
	done chan struct{}
}

// NewSignal creates an idle signal.
func NewSignal() *Signal {
	return &Signal{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Notify marks the signal ready. It never blocks.
func (s *Signal) Notify() {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Drain discards a pending wakeup, if any.
func (s *Signal) Drain() {
	select {
	case <-s.ch:
	default:
	}
}

// C returns the wakeup channel.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Done is closed by Stop.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Stop makes further Notify calls no-ops. Safe to call more than once.
func (s *Signal) Stop() {
	s.once.Do(func() { close(s.done) })
}
