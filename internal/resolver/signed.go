package resolver

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// resolveSigned verifies the publisher's envelope (the persisted copy
// first, then a fresh fetch), then compares the signed table with the
// computed one to find files that no longer match.
func (r *Resolver) resolveSigned(ctx context.Context, req Request, src RemoteSigned) (*manifest.HashManifest, error) {
	fail := func(status manifest.Status, err error) (*manifest.HashManifest, error) {
		r.logger.Warn(ctx, "signed manifest unusable",
			"package", req.ID, "version", req.Version,
			"status", status.String(), "error", err.Error(),
		)
		return manifest.Failed(req.ID, req.Version, pkgmeta.SourceSigned, status, err), nil
	}
	if src.Transport == nil || src.Verifier == nil {
		return fail(manifest.StatusFetchFailed, xerrors.New("signed source has no transport or verifier"))
	}

	payload, err := r.persistedPayload(ctx, req, src)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		data, err := src.Transport.FetchSignedManifest(ctx, req.ID, req.Version)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			r.countFetch("error")
			return fail(manifest.StatusFetchFailed, xerrors.Wrap(err, "fetch signed manifest"))
		}
		payload, err = cryptoutil.VerifyEnvelope(ctx, src.Verifier, cryptoutil.PayloadTypeDigests, data)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			r.countFetch("invalid")
			return fail(manifest.StatusSignatureInvalid, err)
		}
		r.countFetch("ok")
		if err := manifest.WriteVerifiedContents(req.Root, data); err != nil {
			r.logger.Warn(ctx, "persist verified contents failed",
				"package", req.ID, "version", req.Version, "error", err.Error(),
			)
		}
	}

	if !manifest.IsCanonical(payload) {
		return fail(manifest.StatusSignatureInvalid, xerrors.New("signed payload is not canonical JSON"))
	}
	signed, rf, err := manifest.FromDigestBytes(payload, req.ID, req.Version, pkgmeta.SourceSigned, r.canon)
	if rf != manifest.ReadOK {
		return fail(manifest.StatusSignatureInvalid, xerrors.Wrapf(err, "signed payload %s", rf))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	computed, crf, _ := manifest.ReadComputed(req.Root, req.ID, req.Version, r.canon)
	if crf != manifest.ReadOK {
		rebuildable := r.policy.Covers(crf)
		if req.ForceRebuild && rebuildable {
			computed, err = r.rebuild(ctx, req, pkgmeta.SourceSigned)
			if err != nil {
				return nil, err
			}
			if !computed.OK() {
				computed = nil
			}
		} else {
			signed.MayRequireForceRebuild = rebuildable
		}
		signed.ReadFailure = crf
	}
	if computed != nil {
		signed.MismatchedPaths = signed.Diff(computed)
		signed.ForceRebuilt = computed.ForceRebuilt
	}
	if signed.HasMismatches() {
		r.logger.Warn(ctx, "signed digests disagree with package tree",
			"package", req.ID, "version", req.Version,
			"mismatched", len(signed.MismatchedPaths),
		)
	}
	return signed, nil
}

// persistedPayload returns the payload of the locally stored envelope if
// it still verifies, or nil to force a fetch.
func (r *Resolver) persistedPayload(ctx context.Context, req Request, src RemoteSigned) ([]byte, error) {
	data, rf, _ := manifest.ReadVerifiedContents(req.Root)
	if rf != manifest.ReadOK {
		return nil, ctx.Err()
	}
	payload, err := cryptoutil.VerifyEnvelope(ctx, src.Verifier, cryptoutil.PayloadTypeDigests, data)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		r.logger.Warn(ctx, "persisted verified contents no longer verify, refetching",
			"package", req.ID, "version", req.Version, "error", err.Error(),
		)
		return nil, nil
	}
	return payload, nil
}

func (r *Resolver) countFetch(result string) {
	if r.metrics != nil {
		r.metrics.IncSignedFetch(result)
	}
}
