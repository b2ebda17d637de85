package cryptoutil

import "context"

// SignatureVerifier checks a signature over message. It is the only thing
// the resolver knows about key material.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// KeyIdentifier is implemented by verifiers that know the keyid their
// signatures carry. Envelopes whose signatures name a different keyid are
// tried last.
type KeyIdentifier interface {
	KeyID() string
}

var (
	_ SignatureVerifier = (*KMSVerifier)(nil)
	_ SignatureVerifier = (*Ed25519Verifier)(nil)
	_ SignatureVerifier = (*SSMKeyVerifier)(nil)
)
