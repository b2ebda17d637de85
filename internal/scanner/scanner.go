// Package scanner keeps the coordinator in step with the packages
// installed on disk.
//
// Each poll rescans the packages directory, loads new and changed
// packages, unloads removed ones, then streams every verifiable file of
// every loaded package through a verification job. Scan errors back off
// exponentially; a scan that keeps failing is reported as stale.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/verifier"
)

const (
	// DefaultPollInterval is how often the packages directory is rescanned.
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive scan errors.
	maxBackoff = 10 * time.Minute
)

var (
	errNotScanned = errors.New("scanner: packages directory not scanned yet")
	errStale      = errors.New("scanner: package state is stale")
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange  pollResult = iota // catalog unchanged
	pollChanged                     // at least one package loaded or unloaded
	pollScanError                   // packages dir unreadable, caller should back off
)

// Coordinator is the part of *verifier.Coordinator the scanner drives.
type Coordinator interface {
	OnPackageLoaded(md *pkgmeta.Metadata, root string) error
	OnPackageUnloaded(id pkgmeta.ID, v pkgmeta.Version)
	ShouldComputeHashesOnInstall(md *pkgmeta.Metadata) bool
	CreateVerificationJob(id pkgmeta.ID, root, rel string) *verifier.Job
	Sync(ctx context.Context) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncScannerPolls()
	IncScannerError(errType string)
	ObserveScanDuration(seconds float64)
	SetScannerLastSuccess(unixSeconds float64)
	SetScannerStale(stale bool)
	IncFilesVerified(result string)
}

type Options struct {
	Logger      log.Logger
	Dir         string
	Coordinator Coordinator
	Store       *catalog.Store

	PollInterval time.Duration

	// Workers bounds concurrent file verifications. Zero means 4.
	Workers int

	// JobTimeout bounds the wait for one file's verdict. Zero means 30s.
	JobTimeout time.Duration

	// Canonicalization is used when hashing a tree at install.
	Canonicalization pkgmeta.Canonicalization

	// OnChange is called after each applied catalog change, on the poll
	// goroutine.
	OnChange func(c catalog.Change)

	// Skip reports packages whose files are no longer streamed each poll,
	// e.g. packages the failure policy already disabled.
	Skip func(id pkgmeta.ID) bool

	Metrics Metrics

	// StaleThreshold is how long scans may keep failing before the scanner
	// reports itself stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Scanner polls the packages directory. Run and Once must not be called
// concurrently.
type Scanner struct {
	dir        string
	coord      Coordinator
	store      *catalog.Store
	logger     log.Logger
	interval   time.Duration
	workers    int
	jobTimeout time.Duration
	canon      pkgmeta.Canonicalization
	onChange   func(catalog.Change)
	skip       func(pkgmeta.ID) bool
	metrics    Metrics

	current *catalog.Snapshot

	// backoff state
	consecutiveErrs int

	// staleness tracking
	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool
	stale          atomic.Bool

	pollCount int64
}

func New(opts Options) *Scanner {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Store == nil {
		opts.Store = catalog.NewStore()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Second
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &Scanner{
		dir:            opts.Dir,
		coord:          opts.Coordinator,
		store:          opts.Store,
		logger:         opts.Logger,
		interval:       interval,
		workers:        workers,
		jobTimeout:     jobTimeout,
		canon:          opts.Canonicalization,
		onChange:       opts.OnChange,
		skip:           opts.Skip,
		metrics:        opts.Metrics,
		staleThreshold: staleThreshold,
		lastSuccessAt:  time.Now(),
	}
}

// Store returns the catalog store the scanner publishes to.
func (s *Scanner) Store() *catalog.Store { return s.store }

// Ready fails until the first scan has been published and while scans
// have been failing for longer than the stale threshold. Safe to call
// from any goroutine.
func (s *Scanner) Ready(context.Context) error {
	if _, ok := s.store.Get(); !ok {
		return errNotScanned
	}
	if s.stale.Load() {
		return errStale
	}
	return nil
}

// Run polls until ctx is cancelled. The first poll happens immediately.
// Intended to be launched as: go scanner.Run(ctx)
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info(ctx, "package scanner starting",
		"dir", s.dir,
		"poll_interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, ticker)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "package scanner stopping",
				"reason", ctx.Err(),
				"polls", s.pollCount,
			)
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, ticker)
		}
	}
}

func (s *Scanner) tick(ctx context.Context, ticker *time.Ticker) {
	result := s.Once(ctx)
	if ctx.Err() != nil {
		return
	}

	if result == pollScanError {
		s.consecutiveErrs++
		backoff := s.backoffDuration()
		s.logger.Warn(ctx, "package scanner: backing off",
			"consecutive_errors", s.consecutiveErrs,
			"next_poll_in", backoff.String(),
		)
		ticker.Reset(backoff)
	} else if s.consecutiveErrs > 0 {
		s.logger.Info(ctx, "package scanner: recovered, resuming normal interval",
			"had_consecutive_errors", s.consecutiveErrs,
		)
		s.consecutiveErrs = 0
		ticker.Reset(s.interval)
	}

	if result != pollScanError {
		if s.staleLogged {
			s.logger.Info(ctx, "package scanner: staleness recovered")
			s.staleLogged = false
			s.stale.Store(false)
			if s.metrics != nil {
				s.metrics.SetScannerStale(false)
			}
		}
	} else if time.Since(s.lastSuccessAt) > s.staleThreshold && !s.staleLogged {
		s.logger.Error(ctx, fmt.Errorf("last successful scan was %s ago", time.Since(s.lastSuccessAt).Truncate(time.Second)),
			"package scanner: package state is stale",
		)
		s.staleLogged = true
		s.stale.Store(true)
		if s.metrics != nil {
			s.metrics.SetScannerStale(true)
		}
	}
}

// Once performs a single scan-apply-verify cycle.
func (s *Scanner) Once(ctx context.Context) pollResult {
	ctx, span := otelx.Tracer("scanner").Start(ctx, "scanner.poll",
		trace.WithAttributes(attribute.String("pkgverify.packages_dir", s.dir)))
	defer span.End()

	res := s.poll(ctx)
	span.SetAttributes(attribute.Int("pkgverify.scan.result", int(res)))
	if res == pollScanError {
		otelx.Fail(span, nil, "scan failed")
	}
	return res
}

func (s *Scanner) poll(ctx context.Context) pollResult {
	s.pollCount++
	if s.metrics != nil {
		s.metrics.IncScannerPolls()
	}
	start := time.Now()

	next, err := catalog.Scan(ctx, s.dir, s.logger)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, err, "package scanner: scan failed")
			if s.metrics != nil {
				s.metrics.IncScannerError("scan")
			}
		}
		return pollScanError
	}

	now := time.Now()
	s.lastSuccessAt = now
	if s.metrics != nil {
		s.metrics.SetScannerLastSuccess(float64(now.Unix()))
	}

	changes := catalog.Diff(s.current, next)
	for _, c := range changes {
		s.apply(ctx, c)
	}
	s.current = next
	s.store.Set(next)

	if err := s.coord.Sync(ctx); err != nil {
		s.logger.Warn(ctx, "package scanner: coordinator unavailable", "error", err.Error())
		return pollNoChange
	}
	for _, id := range next.IDs() {
		if ctx.Err() != nil {
			break
		}
		s.verifyPackage(ctx, next.Packages[id])
	}

	if s.metrics != nil {
		s.metrics.ObserveScanDuration(time.Since(start).Seconds())
	}
	if len(changes) > 0 {
		s.logger.Info(ctx, "package scanner: catalog changed",
			"changes", len(changes),
			"packages", next.Len(),
		)
		return pollChanged
	}
	return pollNoChange
}

// apply pushes one catalog change into the coordinator. A reinstall at the
// same version is an unload followed by a load so cached manifests for the
// old tree are dropped.
func (s *Scanner) apply(ctx context.Context, c catalog.Change) {
	switch {
	case c.New == nil:
		md := c.Old.Metadata
		s.coord.OnPackageUnloaded(md.ID, md.Version)
		s.logger.Info(ctx, "package removed", "package", md.ID, "version", md.Version)
	default:
		md := c.New.Metadata
		if c.Old != nil && c.Old.Metadata.Version == md.Version {
			s.coord.OnPackageUnloaded(md.ID, md.Version)
		}
		if c.Old == nil || c.Old.Metadata.Version != md.Version {
			s.install(ctx, c.New)
		}
		if err := s.coord.OnPackageLoaded(md, c.New.Root); err != nil {
			s.logger.Error(ctx, err, "package scanner: load rejected", "package", md.ID)
			if s.metrics != nil {
				s.metrics.IncScannerError("load")
			}
			return
		}
	}
	if s.onChange != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error(ctx, fmt.Errorf("OnChange panic: %v", r),
						"package scanner: OnChange callback panicked, continuing",
						"package", c.ID,
					)
				}
			}()
			s.onChange(c)
		}()
	}
}

// install computes the local digest table of a newly seen unsigned package
// whose table is missing.
func (s *Scanner) install(ctx context.Context, p *catalog.Package) {
	md := p.Metadata
	if !s.coord.ShouldComputeHashesOnInstall(md) {
		return
	}
	if _, err := os.Stat(manifest.ComputedHashesPath(p.Root)); err == nil {
		return
	}
	m, err := manifest.BuildFromTree(ctx, p.Root, md.ID, md.Version, manifest.BuildOptions{
		Canonicalization: s.canon,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, err, "package scanner: hashing at install failed", "package", md.ID)
			if s.metrics != nil {
				s.metrics.IncScannerError("install")
			}
		}
		return
	}
	if err := manifest.WriteComputed(p.Root, m, time.Now()); err != nil {
		s.logger.Error(ctx, err, "package scanner: persisting install hashes failed", "package", md.ID)
		if s.metrics != nil {
			s.metrics.IncScannerError("install")
		}
		return
	}
	s.logger.Info(ctx, "computed install hashes",
		"package", md.ID,
		"version", md.Version,
		"files", m.Len(),
	)
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 -> 2x interval, =2 -> 4x, =3 -> 8x, etc.
func (s *Scanner) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(s.consecutiveErrs))
	d := time.Duration(float64(s.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
