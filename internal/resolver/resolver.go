// Package resolver produces a HashManifest for one package version from
// its verification source.
//
// Resolution runs on the background pool. Every discrete step (disk read,
// network fetch, per-file hash) checks ctx; the only error Resolve ever
// returns is ctx's. All other failures are encoded in the manifest status.
package resolver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveResolve(source, status string, seconds float64)
	IncTreeRebuild(source string)
	IncSignedFetch(result string)
}

type Options struct {
	Logger           log.Logger
	Canonicalization pkgmeta.Canonicalization

	// RebuildPolicy selects which local read failures are repaired by a
	// forced rebuild. Nil means manifest.DefaultRebuildPolicy.
	RebuildPolicy *manifest.RebuildPolicy

	Metrics Metrics

	// Now stamps written digest files. Defaults to time.Now.
	Now func() time.Time

	// OnFile is passed through to tree rebuilds.
	OnFile func(rel string)
}

type Resolver struct {
	logger  log.Logger
	canon   pkgmeta.Canonicalization
	policy  manifest.RebuildPolicy
	metrics Metrics
	now     func() time.Time
	onFile  func(string)
}

func New(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	policy := manifest.DefaultRebuildPolicy
	if opts.RebuildPolicy != nil {
		policy = *opts.RebuildPolicy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		logger:  opts.Logger,
		canon:   opts.Canonicalization,
		policy:  policy,
		metrics: opts.Metrics,
		now:     opts.Now,
		onFile:  opts.OnFile,
	}
}

// Policy is the effective rebuild policy.
func (r *Resolver) Policy() manifest.RebuildPolicy { return r.policy }

// Resolve produces the manifest for req. A nil Source is Unverified.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*manifest.HashManifest, error) {
	src := req.Source
	if src == nil {
		src = Unverified{}
	}
	ctx, span := otelx.Tracer("resolver").Start(ctx, "resolver.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("package.id", string(req.ID)),
		attribute.String("package.version", string(req.Version)),
		attribute.String("package.source", src.Type().String()),
		attribute.Bool("resolve.force_rebuild", req.ForceRebuild),
	)

	start := time.Now()
	var (
		m   *manifest.HashManifest
		err error
	)
	switch s := src.(type) {
	case Unverified:
		m = manifest.Unverified(req.ID, req.Version)
	case LocalUnsigned:
		m, err = r.resolveUnsigned(ctx, req)
	case RemoteSigned:
		m, err = r.resolveSigned(ctx, req, s)
	}
	if err != nil {
		otelx.Fail(span, err, "cancelled")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("manifest.status", m.Status.String()),
		attribute.Int("manifest.entries", m.Len()),
		attribute.Int("manifest.mismatched", len(m.MismatchedPaths)),
	)
	if !m.OK() && m.Status != manifest.StatusUnverified {
		otelx.Fail(span, nil, m.Status.String())
	}
	if r.metrics != nil {
		r.metrics.ObserveResolve(src.Type().String(), m.Status.String(), time.Since(start).Seconds())
	}
	return m, nil
}

func (r *Resolver) resolveUnsigned(ctx context.Context, req Request) (*manifest.HashManifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, rf, err := manifest.ReadComputed(req.Root, req.ID, req.Version, r.canon)
	if rf == manifest.ReadOK {
		return m, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	rebuildable := r.policy.Covers(rf)
	if !req.ForceRebuild || !rebuildable {
		r.logger.Debug(ctx, "local digest table unusable",
			"package", req.ID, "version", req.Version,
			"read_failure", rf.String(), "rebuildable", rebuildable,
		)
		failed := manifest.Failed(req.ID, req.Version, pkgmeta.SourceUnsigned, manifest.StatusMissing, err)
		failed.ReadFailure = rf
		failed.MayRequireForceRebuild = rebuildable
		return failed, nil
	}

	built, err := r.rebuild(ctx, req, pkgmeta.SourceUnsigned)
	if err != nil {
		return nil, err
	}
	built.ReadFailure = rf
	return built, nil
}

// rebuild rehashes the tree and persists the result. Only ctx errors are
// returned; a failed walk yields a StatusMissing manifest.
func (r *Resolver) rebuild(ctx context.Context, req Request, src pkgmeta.SourceType) (*manifest.HashManifest, error) {
	if r.metrics != nil {
		r.metrics.IncTreeRebuild(src.String())
	}
	m, err := manifest.BuildFromTree(ctx, req.Root, req.ID, req.Version, manifest.BuildOptions{
		Canonicalization: r.canon,
		OnFile:           r.onFile,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Error(ctx, err, "rehash package tree failed", "package", req.ID, "version", req.Version)
		return manifest.Failed(req.ID, req.Version, src, manifest.StatusMissing, err), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := manifest.WriteComputed(req.Root, m, r.now()); err != nil {
		// the in-memory table is still good for this process
		r.logger.Warn(ctx, "persist computed hashes failed",
			"package", req.ID, "version", req.Version, "error", err.Error(),
		)
	}
	r.logger.Info(ctx, "rebuilt computed hashes",
		"package", req.ID, "version", req.Version, "files", m.Len(),
	)
	return m, nil
}
