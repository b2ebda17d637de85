package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry tracks one key's limiter and last activity
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook already fired; it resets
	// when the entry is evicted and re-created
	logged bool
}

// KeyLimiter holds per-key rate limiters with background eviction.
type KeyLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle key stays in the map before cleanup evicts it
	ttl time.Duration

	// OnFirstDenied is called once per key when it is first limited.
	OnFirstDenied func(key string)

	// OnDenied is called on every denial.
	OnDenied func(key string)
}

type Option func(*KeyLimiter)

// WithRate sets the bucket size and refill rate. WithRate(0.1, 3) allows
// three calls at once, then one every ten seconds.
func WithRate(perSecond float64, burst int) Option {
	return func(l *KeyLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle key stays in the map before cleanup.
func WithTTL(d time.Duration) Option {
	return func(l *KeyLimiter) {
		l.ttl = d
	}
}

// WithOnFirstDenied sets a callback for the first denial per key, used for
// logging once instead of on every denial.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *KeyLimiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denial, used for counters.
func WithOnDenied(fn func(key string)) Option {
	return func(l *KeyLimiter) {
		l.OnDenied = fn
	}
}

// New creates a KeyLimiter and starts the cleanup goroutine, which stops
// when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *KeyLimiter {
	l := &KeyLimiter{
		entries:   make(map[string]*entry),
		perSecond: 0.1,
		burst:     3,
		ttl:       30 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether key is within its limit and consumes a token if so.
func (l *KeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	e, exists := l.entries[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	allowed := e.limiter.Allow()

	if !allowed && !e.logged {
		e.logged = true
		// hooks may be slow, never run them under the lock
		l.mu.Unlock()
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(key)
		}
		if l.OnDenied != nil {
			l.OnDenied(key)
		}
		return false
	}

	l.mu.Unlock()

	if !allowed && l.OnDenied != nil {
		l.OnDenied(key)
	}
	return allowed
}

// Forget drops the state for key, giving it a full bucket next time.
func (l *KeyLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len is the number of tracked keys.
func (l *KeyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// cleanup evicts keys not seen within the TTL, checking every TTL/2.
func (l *KeyLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for k, e := range l.entries {
				if now.Sub(e.lastSeen) > l.ttl {
					delete(l.entries, k)
				}
			}
			l.mu.Unlock()
		}
	}
}
