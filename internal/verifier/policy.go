package verifier

import (
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
)

// Policy receives every terminal verification failure. It is called on
// the control loop and must not block.
type Policy interface {
	OnVerificationFailure(id pkgmeta.ID, kinds pkgmeta.KindSet, reason manifest.Reason)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(id pkgmeta.ID, kinds pkgmeta.KindSet, reason manifest.Reason)

func (f PolicyFunc) OnVerificationFailure(id pkgmeta.ID, kinds pkgmeta.KindSet, reason manifest.Reason) {
	f(id, kinds, reason)
}

// SourceProvider supplies the verification source, including transport
// and key material, for a loaded package.
type SourceProvider interface {
	SourceFor(md *pkgmeta.Metadata) resolver.Source
}

// StaticSources maps each SourceType to a source that shares one
// transport and one verifier across all signed packages.
type StaticSources struct {
	Transport resolver.Transport
	Verifier  cryptoutil.SignatureVerifier
}

func (s StaticSources) SourceFor(md *pkgmeta.Metadata) resolver.Source {
	switch md.Source {
	case pkgmeta.SourceSigned:
		return resolver.RemoteSigned{Transport: s.Transport, Verifier: s.Verifier}
	case pkgmeta.SourceUnsigned:
		return resolver.LocalUnsigned{}
	default:
		return resolver.Unverified{}
	}
}
