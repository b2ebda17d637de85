// Package runloop provides the two execution contexts the verifier runs
// on: a single-goroutine control Loop that owns all mutable state, and a
// bounded background Pool for blocking file and network work.
//
// Work crosses between them only by posting closures. Nothing running on
// the Pool may block on the Loop.
package runloop

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Call after Close.
var ErrClosed = errors.New("runloop closed")

// Loop runs posted functions one at a time, in post order, on a single
// goroutine. The queue is unbounded so Post never blocks.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New starts a Loop.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Post queues fn. It reports false, and drops fn, once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Call runs fn on the loop and waits for it. Calling it from the loop
// itself deadlocks.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Functions already queued still run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Done is closed when the loop goroutine has drained and exited.
func (l *Loop) Done() <-chan struct{} { return l.done }
