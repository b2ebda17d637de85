package resolver

import (
	"context"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// Source is where a package's reference digests come from. The set of
// implementations is closed: Unverified, LocalUnsigned and RemoteSigned.
type Source interface {
	Type() pkgmeta.SourceType
	isSource()
}

// Unverified packages are never checked.
type Unverified struct{}

// LocalUnsigned packages are checked against a digest table computed from
// their own tree the first time it is requested with force rebuild.
type LocalUnsigned struct{}

// RemoteSigned packages are checked against a publisher-signed digest
// table fetched through Transport and verified with Verifier.
type RemoteSigned struct {
	Transport Transport
	Verifier  cryptoutil.SignatureVerifier
}

func (Unverified) Type() pkgmeta.SourceType    { return pkgmeta.SourceNone }
func (LocalUnsigned) Type() pkgmeta.SourceType { return pkgmeta.SourceUnsigned }
func (RemoteSigned) Type() pkgmeta.SourceType  { return pkgmeta.SourceSigned }

func (Unverified) isSource()    {}
func (LocalUnsigned) isSource() {}
func (RemoteSigned) isSource()  {}

// Transport fetches the signed envelope for one package version.
type Transport interface {
	FetchSignedManifest(ctx context.Context, id pkgmeta.ID, v pkgmeta.Version) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, id pkgmeta.ID, v pkgmeta.Version) ([]byte, error)

func (f TransportFunc) FetchSignedManifest(ctx context.Context, id pkgmeta.ID, v pkgmeta.Version) ([]byte, error) {
	return f(ctx, id, v)
}

// Request is one resolution.
type Request struct {
	ID           pkgmeta.ID
	Version      pkgmeta.Version
	Root         string
	Source       Source
	ForceRebuild bool
}

// Key is the cache key of r.
func (r Request) Key() manifest.Key {
	return manifest.Key{ID: r.ID, Version: r.Version, ForceRebuild: r.ForceRebuild}
}
