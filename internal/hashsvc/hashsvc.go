// Package hashsvc is the single entry point for obtaining a HashManifest.
//
// It guarantees at most one resolution in flight per package version.
// Concurrent requests for the same (id, version) join the pending record:
// their callbacks queue in registration order and their force-rebuild
// flags are OR'd together. Every exported method must be called on the
// control loop; callbacks are delivered there too.
package hashsvc

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/runloop"
)

// Resolver is implemented by *resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*manifest.HashManifest, error)
}

// Callback receives a settled manifest on the control loop.
type Callback func(m *manifest.HashManifest)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncResolveStarted()
	IncResolveJoined()
	IncResolveCancelled()
	IncForceRerun()
	SetResolvesPending(n int)
}

type Options struct {
	Logger   log.Logger
	Loop     *runloop.Loop
	Pool     *runloop.Pool
	Resolver Resolver
	Metrics  Metrics

	// OnSettled runs on the loop after every delivered resolution, once
	// all waiters have been called.
	OnSettled func(m *manifest.HashManifest)
}

type pendingKey struct {
	id      pkgmeta.ID
	version pkgmeta.Version
}

// pending is the record for one in-flight resolution. Only the loop
// touches it; the background worker sees ctx and its own copy of req.
type pending struct {
	ctx     context.Context
	cancel  context.CancelFunc
	req     resolver.Request
	force   bool
	waiters []Callback
	started time.Time
}

type Service struct {
	logger    log.Logger
	loop      *runloop.Loop
	pool      *runloop.Pool
	resolver  Resolver
	metrics   Metrics
	onSettled func(*manifest.HashManifest)

	pending  map[pendingKey]*pending
	shutdown bool
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Pool == nil {
		opts.Pool = runloop.NewPool(1)
	}
	return &Service{
		logger:    opts.Logger,
		loop:      opts.Loop,
		pool:      opts.Pool,
		resolver:  opts.Resolver,
		metrics:   opts.Metrics,
		onSettled: opts.OnSettled,
		pending:   make(map[pendingKey]*pending),
	}
}

// Resolve requests the manifest for req. If a resolution for (ID, Version)
// is already pending, cb joins it and req.ForceRebuild is OR'd into the
// record; otherwise a new resolution is dispatched to the pool. Requests
// after Shutdown are dropped.
func (s *Service) Resolve(req resolver.Request, cb Callback) {
	if s.shutdown {
		return
	}
	key := pendingKey{req.ID, req.Version}
	if p, ok := s.pending[key]; ok {
		p.force = p.force || req.ForceRebuild
		p.waiters = append(p.waiters, cb)
		if s.metrics != nil {
			s.metrics.IncResolveJoined()
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pending{
		ctx:     ctx,
		cancel:  cancel,
		req:     req,
		force:   req.ForceRebuild,
		waiters: []Callback{cb},
		started: time.Now(),
	}
	s.pending[key] = p
	if s.metrics != nil {
		s.metrics.IncResolveStarted()
		s.metrics.SetResolvesPending(len(s.pending))
	}
	s.dispatch(key, p, req)
}

func (s *Service) dispatch(key pendingKey, p *pending, req resolver.Request) {
	s.pool.Go(func() {
		m, err := s.resolver.Resolve(p.ctx, req)
		s.loop.Post(func() { s.complete(key, p, req, m, err) })
	})
}

// complete runs on the loop when a background resolution returns.
func (s *Service) complete(key pendingKey, p *pending, req resolver.Request, m *manifest.HashManifest, err error) {
	// a cancelled record has been removed or replaced
	if cur, ok := s.pending[key]; !ok || cur != p || p.ctx.Err() != nil {
		return
	}
	if err != nil {
		// resolvers only return ctx errors; anything else still settles
		s.logger.Error(p.ctx, err, "resolver returned an error", "package", req.ID, "version", req.Version)
		m = manifest.Failed(req.ID, req.Version, sourceType(req), manifest.StatusMissing, err)
	}

	// a waiter that joined later asked for force rebuild, and the first
	// read says one would help: rerun once instead of making those
	// waiters issue a second resolution
	if p.force && !req.ForceRebuild && m.MayRequireForceRebuild {
		forced := req
		forced.ForceRebuild = true
		if s.metrics != nil {
			s.metrics.IncForceRerun()
		}
		s.logger.Debug(p.ctx, "rerunning resolution with force rebuild",
			"package", req.ID, "version", req.Version,
			"read_failure", m.ReadFailure.String(),
		)
		s.dispatch(key, p, forced)
		return
	}

	delete(s.pending, key)
	p.cancel()
	if s.metrics != nil {
		s.metrics.SetResolvesPending(len(s.pending))
	}
	s.logger.Debug(context.Background(), "manifest resolved",
		"package", req.ID, "version", req.Version,
		"status", m.Status.String(), "waiters", len(p.waiters),
		"elapsed", time.Since(p.started).String(),
	)
	for _, cb := range p.waiters {
		cb(m)
	}
	if s.onSettled != nil {
		s.onSettled(m)
	}
}

// Cancel drops the pending resolution for (id, v), if any. Its waiters are
// never called. Background work notices through its context and stops at
// the next checkpoint; a later Resolve starts a fresh computation.
func (s *Service) Cancel(id pkgmeta.ID, v pkgmeta.Version) {
	key := pendingKey{id, v}
	p, ok := s.pending[key]
	if !ok {
		return
	}
	p.cancel()
	delete(s.pending, key)
	if s.metrics != nil {
		s.metrics.IncResolveCancelled()
		s.metrics.SetResolvesPending(len(s.pending))
	}
}

// Pending reports whether a resolution for (id, v) is in flight.
func (s *Service) Pending(id pkgmeta.ID, v pkgmeta.Version) bool {
	_, ok := s.pending[pendingKey{id, v}]
	return ok
}

// Shutdown cancels everything in flight and rejects further requests.
func (s *Service) Shutdown() {
	if s.shutdown {
		return
	}
	s.shutdown = true
	for key, p := range s.pending {
		p.cancel()
		delete(s.pending, key)
	}
	if s.metrics != nil {
		s.metrics.SetResolvesPending(0)
	}
}

func sourceType(req resolver.Request) pkgmeta.SourceType {
	if req.Source == nil {
		return pkgmeta.SourceNone
	}
	return req.Source.Type()
}
