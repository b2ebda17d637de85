package hashsvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/runloop"
)

// fakeResolver blocks each call on gate (when set) and records requests.
type fakeResolver struct {
	mu    sync.Mutex
	calls []resolver.Request
	gate  chan struct{}

	// mayRequire marks unforced results as needing a force rebuild.
	mayRequire bool
}

func (f *fakeResolver) Resolve(ctx context.Context, req resolver.Request) (*manifest.HashManifest, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.ForceRebuild && f.mayRequire {
		m := manifest.Failed(req.ID, req.Version, pkgmeta.SourceUnsigned, manifest.StatusMissing, nil)
		m.MayRequireForceRebuild = true
		return m, nil
	}
	m := manifest.New(req.ID, req.Version, pkgmeta.SourceUnsigned, pkgmeta.Canonicalization{}, nil)
	m.ForceRebuilt = req.ForceRebuild
	return m, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMetrics struct {
	started, joined, cancelled, reruns int
	pending                            int
}

func (f *fakeMetrics) IncResolveStarted()       { f.started++ }
func (f *fakeMetrics) IncResolveJoined()        { f.joined++ }
func (f *fakeMetrics) IncResolveCancelled()     { f.cancelled++ }
func (f *fakeMetrics) IncForceRerun()           { f.reruns++ }
func (f *fakeMetrics) SetResolvesPending(n int) { f.pending = n }

type fixture struct {
	loop     *runloop.Loop
	pool     *runloop.Pool
	resolver *fakeResolver
	metrics  *fakeMetrics
	svc      *Service
	settled  []*manifest.HashManifest
}

func newFixture(t *testing.T, gated bool) *fixture {
	t.Helper()
	f := &fixture{
		loop:     runloop.New(),
		pool:     runloop.NewPool(4),
		resolver: &fakeResolver{},
		metrics:  &fakeMetrics{},
	}
	if gated {
		f.resolver.gate = make(chan struct{})
	}
	f.svc = New(Options{
		Loop:      f.loop,
		Pool:      f.pool,
		Resolver:  f.resolver,
		Metrics:   f.metrics,
		OnSettled: func(m *manifest.HashManifest) { f.settled = append(f.settled, m) },
	})
	t.Cleanup(f.loop.Close)
	return f
}

// onLoop runs fn on the control loop and waits.
func (f *fixture) onLoop(t *testing.T, fn func()) {
	t.Helper()
	if err := f.loop.Call(t.Context(), fn); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

// drain releases the gate, waits for background work, then flushes the
// completions it posted.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if f.resolver.gate != nil {
		close(f.resolver.gate)
		f.resolver.mu.Lock()
		f.resolver.gate = nil
		f.resolver.mu.Unlock()
	}
	f.pool.Wait()
	f.onLoop(t, func() {})
	// a forced rerun dispatches again from the loop
	f.pool.Wait()
	f.onLoop(t, func() {})
}

func req(force bool) resolver.Request {
	return resolver.Request{ID: "p", Version: "1.0", Source: resolver.LocalUnsigned{}, ForceRebuild: force}
}

func TestResolve_AtMostOneInFlight(t *testing.T) {
	f := newFixture(t, true)
	const n = 10
	var got []*manifest.HashManifest
	var order []int

	f.onLoop(t, func() {
		for i := 0; i < n; i++ {
			f.svc.Resolve(req(false), func(m *manifest.HashManifest) {
				got = append(got, m)
				order = append(order, i)
			})
		}
	})
	f.drain(t)

	if c := f.resolver.callCount(); c != 1 {
		t.Fatalf("resolver called %d times, want 1", c)
	}
	if len(got) != n {
		t.Fatalf("delivered %d callbacks, want %d", len(got), n)
	}
	for i := range got {
		if got[i] != got[0] {
			t.Fatal("waiters observed different manifest values")
		}
		if order[i] != i {
			t.Fatalf("callback %d ran at position %d", order[i], i)
		}
	}
	if f.metrics.started != 1 || f.metrics.joined != n-1 || f.metrics.pending != 0 {
		t.Fatalf("metrics = %+v", *f.metrics)
	}
	if len(f.settled) != 1 || f.settled[0] != got[0] {
		t.Fatalf("OnSettled calls = %d", len(f.settled))
	}
}

func TestResolve_DifferentVersionsResolveSeparately(t *testing.T) {
	f := newFixture(t, false)
	delivered := 0
	f.onLoop(t, func() {
		for _, v := range []pkgmeta.Version{"1.0", "2.0"} {
			r := req(false)
			r.Version = v
			f.svc.Resolve(r, func(*manifest.HashManifest) { delivered++ })
		}
	})
	f.drain(t)
	if f.resolver.callCount() != 2 || delivered != 2 {
		t.Fatalf("calls = %d, delivered = %d", f.resolver.callCount(), delivered)
	}
}

func TestCancel_SuppressesDelivery(t *testing.T) {
	f := newFixture(t, true)
	delivered := 0

	f.onLoop(t, func() {
		f.svc.Resolve(req(false), func(*manifest.HashManifest) { delivered++ })
		f.svc.Resolve(req(true), func(*manifest.HashManifest) { delivered++ })
		f.svc.Cancel("p", "1.0")
		if f.svc.Pending("p", "1.0") {
			t.Error("record should be removed by Cancel")
		}
	})
	f.drain(t)

	if delivered != 0 {
		t.Fatalf("cancelled waiters were called %d times", delivered)
	}
	if len(f.settled) != 0 {
		t.Fatal("OnSettled must not run for cancelled work")
	}
	if f.metrics.cancelled != 1 {
		t.Fatalf("cancelled = %d", f.metrics.cancelled)
	}
}

func TestCancel_ThenResolveStartsFresh(t *testing.T) {
	f := newFixture(t, true)
	var stale, fresh int

	f.onLoop(t, func() {
		f.svc.Resolve(req(false), func(*manifest.HashManifest) { stale++ })
		f.svc.Cancel("p", "1.0")
		f.svc.Resolve(req(false), func(*manifest.HashManifest) { fresh++ })
	})
	f.drain(t)

	if stale != 0 || fresh != 1 {
		t.Fatalf("stale = %d, fresh = %d", stale, fresh)
	}
	if c := f.resolver.callCount(); c != 2 {
		t.Fatalf("resolver calls = %d, want 2", c)
	}
}

func TestCancel_UnknownKeyIsNoop(t *testing.T) {
	f := newFixture(t, false)
	f.onLoop(t, func() { f.svc.Cancel("nope", "1.0") })
	if f.metrics.cancelled != 0 {
		t.Fatal("cancel of unknown key should not count")
	}
}

func TestResolve_ForceIsStickyAndRetroactive(t *testing.T) {
	f := newFixture(t, true)
	f.resolver.mayRequire = true
	var a, b *manifest.HashManifest

	f.onLoop(t, func() {
		f.svc.Resolve(req(false), func(m *manifest.HashManifest) { a = m })
		f.svc.Resolve(req(true), func(m *manifest.HashManifest) { b = m })
	})
	f.drain(t)

	if a == nil || a != b {
		t.Fatal("both waiters should receive the same manifest")
	}
	if !a.OK() || !a.ForceRebuilt {
		t.Fatalf("delivered status = %s, rebuilt = %v; want forced rebuild", a.Status, a.ForceRebuilt)
	}
	if c := f.resolver.callCount(); c != 2 {
		t.Fatalf("resolver calls = %d, want initial read plus one forced rerun", c)
	}
	if f.metrics.reruns != 1 {
		t.Fatalf("reruns = %d", f.metrics.reruns)
	}
}

func TestResolve_NoRerunWithoutForceRequest(t *testing.T) {
	f := newFixture(t, false)
	f.resolver.mayRequire = true
	var got *manifest.HashManifest
	f.onLoop(t, func() {
		f.svc.Resolve(req(false), func(m *manifest.HashManifest) { got = m })
	})
	f.drain(t)
	if got == nil || got.OK() || !got.MayRequireForceRebuild {
		t.Fatalf("want the unforced failure delivered as is, got %+v", got)
	}
	if f.resolver.callCount() != 1 {
		t.Fatalf("resolver calls = %d", f.resolver.callCount())
	}
}

func TestShutdown_CancelsAndRejects(t *testing.T) {
	f := newFixture(t, true)
	delivered := 0
	f.onLoop(t, func() {
		f.svc.Resolve(req(false), func(*manifest.HashManifest) { delivered++ })
		f.svc.Shutdown()
		f.svc.Resolve(req(false), func(*manifest.HashManifest) { delivered++ })
	})
	f.drain(t)
	if delivered != 0 {
		t.Fatalf("delivered = %d after shutdown", delivered)
	}
	if f.resolver.callCount() != 1 {
		t.Fatalf("resolver calls = %d, want 1", f.resolver.callCount())
	}
}

func TestResolve_CallbacksRunOnLoop(t *testing.T) {
	f := newFixture(t, false)
	done := make(chan struct{})
	var inLoop bool
	f.onLoop(t, func() {
		f.svc.Resolve(req(false), func(*manifest.HashManifest) {
			// if the callback is on the loop, no other loop work interleaves
			inLoop = !f.svc.Pending("p", "1.0")
			close(done)
		})
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered")
	}
	if !inLoop {
		t.Fatal("record should be cleared before callbacks run")
	}
}
