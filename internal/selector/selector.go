// Package selector waits for readiness across many state tables at once.
//
// It is the reactor side of the consumer protocol: consumers expose a
// readiness channel, the selector waits on any number of them plus a
// timeout, and the caller drains whichever became ready.
package selector

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Awaitable is anything exposing a readiness channel.
// statetable.Consumer implements it.
type Awaitable interface {
	Ready() <-chan struct{}
}

// Result is the outcome of a Select.
type Result int

const (
	// ResultObject means an awaitable became ready.
	ResultObject Result = iota + 1
	// ResultTimeout means the timeout elapsed with nothing ready.
	ResultTimeout
	// ResultError means the context ended before anything became ready.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultObject:
		return "object"
	case ResultTimeout:
		return "timeout"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Select blocks until one of items is ready, timeout elapses, or ctx ends.
//
// A timeout <= 0 waits without limit. When several items are ready at once
// one is chosen at random, so no table starves the others.
//
// The readiness signal of the returned item is consumed; the caller is
// expected to drain it, which re-arms readiness if data remains.
func Select(ctx context.Context, timeout time.Duration, items ...Awaitable) (Awaitable, Result, error) {
	cases := make([]reflect.SelectCase, 0, len(items)+2)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	timerIdx := -1
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerIdx = len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}

	first := len(cases)
	for _, it := range items {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(it.Ready())})
	}

	chosen, _, _ := reflect.Select(cases)
	switch {
	case chosen == 0:
		return nil, ResultError, ctx.Err()
	case chosen == timerIdx:
		return nil, ResultTimeout, nil
	default:
		return items[chosen-first], ResultObject, nil
	}
}

// Selector holds a set of awaitables to select over repeatedly.
// It is safe for concurrent use, though Select is normally called from a
// single goroutine.
type Selector struct {
	mu    sync.Mutex
	items []Awaitable
}

// New creates a selector over items.
func New(items ...Awaitable) *Selector {
	s := &Selector{}
	for _, it := range items {
		s.Add(it)
	}
	return s
}

// Add registers an awaitable. Adding the same awaitable twice is a no-op.
func (s *Selector) Add(a Awaitable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it == a {
			return
		}
	}
	s.items = append(s.items, a)
}

// Remove unregisters an awaitable.
func (s *Selector) Remove(a Awaitable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it == a {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered awaitables.
func (s *Selector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Select waits on every registered awaitable. See the package-level Select.
func (s *Selector) Select(ctx context.Context, timeout time.Duration) (Awaitable, Result, error) {
	s.mu.Lock()
	items := make([]Awaitable, len(s.items))
	copy(items, s.items)
	s.mu.Unlock()

	return Select(ctx, timeout, items...)
}
