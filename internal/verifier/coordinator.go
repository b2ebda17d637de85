package verifier

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/hashsvc"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/runloop"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncJobsCreated(kind string)
	IncJobResult(reason string)
	IncPolicyReport(reason string)
	IncManifestCache(result string)
	SetPackagesLoaded(n int)
}

type Options struct {
	Logger   log.Logger
	Loop     *runloop.Loop
	Pool     *runloop.Pool
	Resolver hashsvc.Resolver
	Sources  SourceProvider
	Policy   Policy

	// Classifier tunes path comparison for every package.
	Classifier pkgmeta.ClassifierOptions

	Metrics     Metrics
	HashMetrics hashsvc.Metrics
}

// packageEntry is the immutable per-package state published to readers.
type packageEntry struct {
	md         *pkgmeta.Metadata
	root       string
	classifier *pkgmeta.Classifier
	source     resolver.Source
}

type packageTable map[pkgmeta.ID]*packageEntry

// reportKey identifies one failure already handed to the policy.
type reportKey struct {
	version pkgmeta.Version
	path    string
	reason  manifest.Reason
}

type Coordinator struct {
	logger     log.Logger
	loop       *runloop.Loop
	hashes     *hashsvc.Service
	sources    SourceProvider
	policy     Policy
	classOpts  pkgmeta.ClassifierOptions
	metrics    Metrics
	isShutdown atomic.Bool

	// packages is replaced whole on the loop and read anywhere
	packages atomic.Pointer[packageTable]

	// loop-owned
	cache    map[manifest.Key]*manifest.HashManifest
	reported map[pkgmeta.ID]map[reportKey]struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Loop == nil {
		return nil, xerrors.New("verifier: Loop is required")
	}
	if opts.Resolver == nil {
		return nil, xerrors.New("verifier: Resolver is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Sources == nil {
		opts.Sources = StaticSources{}
	}
	if opts.Policy == nil {
		opts.Policy = PolicyFunc(func(pkgmeta.ID, pkgmeta.KindSet, manifest.Reason) {})
	}
	c := &Coordinator{
		logger:    opts.Logger,
		loop:      opts.Loop,
		sources:   opts.Sources,
		policy:    opts.Policy,
		classOpts: opts.Classifier,
		metrics:   opts.Metrics,
		cache:     make(map[manifest.Key]*manifest.HashManifest),
		reported:  make(map[pkgmeta.ID]map[reportKey]struct{}),
	}
	c.hashes = hashsvc.New(hashsvc.Options{
		Logger:    opts.Logger,
		Loop:      opts.Loop,
		Pool:      opts.Pool,
		Resolver:  opts.Resolver,
		Metrics:   opts.HashMetrics,
		OnSettled: c.onFetchComplete,
	})
	empty := packageTable{}
	c.packages.Store(&empty)
	return c, nil
}

func (c *Coordinator) lookup(id pkgmeta.ID) *packageEntry {
	if c.isShutdown.Load() {
		return nil
	}
	return (*c.packages.Load())[id]
}

// Package returns the metadata and root of a loaded package.
func (c *Coordinator) Package(id pkgmeta.ID) (*pkgmeta.Metadata, string, bool) {
	e := c.lookup(id)
	if e == nil {
		return nil, "", false
	}
	return e.md, e.root, true
}

// Packages returns the loaded package metadata sorted by id.
func (c *Coordinator) Packages() []*pkgmeta.Metadata {
	if c.isShutdown.Load() {
		return nil
	}
	t := *c.packages.Load()
	out := make([]*pkgmeta.Metadata, 0, len(t))
	for _, e := range t {
		out = append(out, e.md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// setPackage publishes a copy of the table with id set (or removed when
// e is nil). Loop only.
func (c *Coordinator) setPackage(id pkgmeta.ID, e *packageEntry) {
	old := *c.packages.Load()
	next := make(packageTable, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if e == nil {
		delete(next, id)
	} else {
		next[id] = e
	}
	c.packages.Store(&next)
	if c.metrics != nil {
		c.metrics.SetPackagesLoaded(len(next))
	}
}

// OnPackageLoaded records md for id and, for verified packages, warms the
// manifest cache without force. It never blocks on resolution. Loading a
// new version of an already loaded package evicts the old version.
func (c *Coordinator) OnPackageLoaded(md *pkgmeta.Metadata, root string) error {
	if c.isShutdown.Load() {
		return nil
	}
	if err := md.Validate(); err != nil {
		return err
	}
	e := &packageEntry{
		md:         md,
		root:       root,
		classifier: pkgmeta.Compile(md, c.classOpts),
		source:     c.sources.SourceFor(md),
	}
	c.loop.Post(func() {
		if c.isShutdown.Load() {
			return
		}
		if prev := c.lookup(md.ID); prev != nil && prev.md.Version != md.Version {
			c.evict(md.ID, prev.md.Version)
		}
		c.setPackage(md.ID, e)
		c.logger.Info(context.Background(), "package loaded",
			"package", md.ID, "version", md.Version, "source", md.Source.String(),
		)
		if md.Source == pkgmeta.SourceNone {
			return
		}
		c.getManifest(e, md.Version, false, func(*manifest.HashManifest) {})
	})
	return nil
}

// OnPackageUnloaded evicts every cache entry for (id, v), cancels any
// pending resolution and forgets the package metadata.
func (c *Coordinator) OnPackageUnloaded(id pkgmeta.ID, v pkgmeta.Version) {
	if c.isShutdown.Load() {
		return
	}
	c.loop.Post(func() {
		c.evict(id, v)
		if e := c.lookup(id); e != nil && e.md.Version == v {
			c.setPackage(id, nil)
		}
		c.logger.Info(context.Background(), "package unloaded", "package", id, "version", v)
	})
}

func (c *Coordinator) evict(id pkgmeta.ID, v pkgmeta.Version) {
	k := manifest.Key{ID: id, Version: v}
	delete(c.cache, k)
	delete(c.cache, k.WithForce(true))
	delete(c.reported, id)
	c.hashes.Cancel(id, v)
}

// GetManifest delivers the manifest for (id, v) to cb on the control
// loop, resolving it if it is not cached. A package that is not loaded at
// version v yields a StatusMissing manifest that is not cached.
func (c *Coordinator) GetManifest(id pkgmeta.ID, root string, v pkgmeta.Version, force bool, cb hashsvc.Callback) {
	c.loop.Post(func() {
		e := c.lookup(id)
		if e == nil || e.md.Version != v {
			cb(manifest.Failed(id, v, pkgmeta.SourceNone, manifest.StatusMissing, xerrors.Newf("package %s@%s is not loaded", id, v)))
			return
		}
		if root != "" && root != e.root {
			e = &packageEntry{md: e.md, root: root, classifier: e.classifier, source: e.source}
		}
		c.getManifest(e, v, force, cb)
	})
}

// getManifest is the loop-side cache lookup. A forced lookup reuses a
// cached unforced manifest when that one is complete and would gain
// nothing from a rebuild.
func (c *Coordinator) getManifest(e *packageEntry, v pkgmeta.Version, force bool, cb hashsvc.Callback) {
	if c.isShutdown.Load() {
		return
	}
	key := manifest.Key{ID: e.md.ID, Version: v, ForceRebuild: force}
	if m, ok := c.cache[key]; ok {
		c.countCache("hit")
		cb(m)
		return
	}
	if force {
		if m, ok := c.cache[key.WithForce(false)]; ok && m.OK() && !m.MayRequireForceRebuild {
			c.countCache("hit")
			cb(m)
			return
		}
	}
	c.countCache("miss")
	c.hashes.Resolve(resolver.Request{
		ID:           e.md.ID,
		Version:      v,
		Root:         e.root,
		Source:       e.source,
		ForceRebuild: force,
	}, func(m *manifest.HashManifest) {
		c.cache[key] = m
		cb(m)
	})
}

func (c *Coordinator) countCache(result string) {
	if c.metrics != nil {
		c.metrics.IncManifestCache(result)
	}
}

// CreateVerificationJob returns a started Job for rel, or nil when the
// file is not verified: the package is unknown (metadata may not be
// populated yet), unverified, or rel classifies as KindNone. root
// overrides the loaded package root when non-empty.
func (c *Coordinator) CreateVerificationJob(id pkgmeta.ID, root, rel string) *Job {
	if c.isShutdown.Load() {
		return nil
	}
	e := c.lookup(id)
	if e == nil || e.md.Source == pkgmeta.SourceNone {
		return nil
	}
	norm := pkgmeta.NormalizeRelativePath(rel)
	kind := e.classifier.Classify(norm)
	if kind == pkgmeta.KindNone {
		return nil
	}

	j := newJob(c, e.md.ID, e.md.Version, norm, kind)
	if c.metrics != nil {
		c.metrics.IncJobsCreated(kind.String())
	}
	c.GetManifest(e.md.ID, root, e.md.Version, true, j.onManifest)
	return j
}

// OnJobMismatch classifies each path against the current metadata and,
// if any is verifiable, reports the affected kinds to the policy. A path
// is reported once per version and reason until the package is unloaded
// or replaced.
func (c *Coordinator) OnJobMismatch(id pkgmeta.ID, paths []string, reason manifest.Reason) {
	c.loop.Post(func() { c.reportPaths(id, paths, reason) })
}

func (c *Coordinator) reportPaths(id pkgmeta.ID, paths []string, reason manifest.Reason) {
	if c.isShutdown.Load() {
		return
	}
	e := c.lookup(id)
	if e == nil {
		return
	}
	var kinds pkgmeta.KindSet
	for _, p := range paths {
		norm := pkgmeta.NormalizeRelativePath(p)
		k := e.classifier.Classify(norm)
		if k == pkgmeta.KindNone || !c.markReported(id, reportKey{e.md.Version, norm, reason}) {
			continue
		}
		kinds = kinds.Add(k)
	}
	if kinds.Empty() {
		return
	}
	c.report(id, kinds, reason)
}

// markReported records key for id and reports whether it is new.
func (c *Coordinator) markReported(id pkgmeta.ID, key reportKey) bool {
	seen := c.reported[id]
	if seen == nil {
		seen = make(map[reportKey]struct{})
		c.reported[id] = seen
	}
	if _, ok := seen[key]; ok {
		return false
	}
	seen[key] = struct{}{}
	return true
}

func (c *Coordinator) report(id pkgmeta.ID, kinds pkgmeta.KindSet, reason manifest.Reason) {
	c.logger.Warn(context.Background(), "package verification failed",
		"package", id, "kinds", kinds.String(), "reason", reason.String(),
	)
	if c.metrics != nil {
		c.metrics.IncPolicyReport(reason.String())
	}
	c.policy.OnVerificationFailure(id, kinds, reason)
}

// onFetchComplete runs on the loop after each settled resolution. Signed
// digests that disagree with the tree are reported as hash mismatches
// without waiting for a job to read those files.
func (c *Coordinator) onFetchComplete(m *manifest.HashManifest) {
	if m.Status == manifest.StatusSignatureInvalid {
		e := c.lookup(m.ID)
		if e != nil && e.md.Version == m.Version &&
			c.markReported(m.ID, reportKey{version: m.Version, reason: manifest.ReasonSignatureInvalid}) {
			c.report(m.ID, 0, manifest.ReasonSignatureInvalid)
		}
		return
	}
	if m.HasMismatches() {
		c.reportPaths(m.ID, m.MismatchedPaths, manifest.ReasonHashMismatch)
	}
}

// ShouldComputeHashesOnInstall reports whether a freshly installed package
// needs its local digest table built before first use.
func (c *Coordinator) ShouldComputeHashesOnInstall(md *pkgmeta.Metadata) bool {
	return md.Source == pkgmeta.SourceUnsigned
}

// ShouldVerifyAnyPaths reports whether any of paths would get a job.
func (c *Coordinator) ShouldVerifyAnyPaths(id pkgmeta.ID, paths []string) bool {
	e := c.lookup(id)
	if e == nil || e.md.Source == pkgmeta.SourceNone {
		return false
	}
	for _, p := range paths {
		if e.classifier.Classify(pkgmeta.NormalizeRelativePath(p)) != pkgmeta.KindNone {
			return true
		}
	}
	return false
}

// Sync waits until everything posted to the control loop before the call
// has run, so a package loaded earlier is visible to CreateVerificationJob.
func (c *Coordinator) Sync(ctx context.Context) error {
	return c.loop.Call(ctx, func() {})
}

// Shutdown cancels pending resolutions, forgets every package and turns
// every later call into a no-op. Jobs already waiting on a manifest are
// never completed.
func (c *Coordinator) Shutdown() {
	if c.isShutdown.Swap(true) {
		return
	}
	c.loop.Post(func() {
		c.hashes.Shutdown()
		clear(c.cache)
		clear(c.reported)
		empty := packageTable{}
		c.packages.Store(&empty)
		if c.metrics != nil {
			c.metrics.SetPackagesLoaded(0)
		}
	})
}
