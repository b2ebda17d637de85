package runloop

import (
	"sync"
)

// Pool runs blocking work on at most n goroutines at once. Go never
// blocks the caller: each task gets its own goroutine that waits for a
// slot.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool returns a pool of width n; n < 1 means 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: make(chan struct{}, n)}
}

// Go schedules fn.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn()
	}()
}

// Wait blocks until every scheduled task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Width is the maximum concurrency.
func (p *Pool) Width() int { return cap(p.sem) }
