package cryptoutil

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// Ed25519Verifier verifies signatures with a fixed Ed25519 public key.
type Ed25519Verifier struct {
	pub   ed25519.PublicKey
	keyID string
}

func NewEd25519Verifier(pub ed25519.PublicKey, keyID string) *Ed25519Verifier {
	return &Ed25519Verifier{pub: pub, keyID: keyID}
}

func (v *Ed25519Verifier) KeyID() string { return v.keyID }

func (v *Ed25519Verifier) VerifySignature(_ context.Context, message, signature []byte) error {
	if len(v.pub) != ed25519.PublicKeySize {
		return xerrors.Newf("ed25519 public key has %d bytes, want %d", len(v.pub), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(v.pub, message, signature) {
		return xerrors.New("ed25519 signature verification failed")
	}
	return nil
}

// ParseEd25519PublicKey accepts a PEM "PUBLIC KEY" block (PKIX) or the raw
// 32-byte key in standard base64.
func ParseEd25519PublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, xerrors.New("empty public key")
	}
	if block, _ := pem.Decode([]byte(s)); block != nil {
		if block.Type != "PUBLIC KEY" {
			return nil, xerrors.Newf("unexpected PEM block type %q", block.Type)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse PKIX public key")
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, xerrors.Newf("PEM key is %T, want ed25519", pub)
		}
		return edPub, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, xerrors.Wrap(err, "base64 decode public key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, xerrors.Newf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ssmParamGetter is the subset of the SSM API needed to read a key.
type ssmParamGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMKeyVerifier reads an Ed25519 public key from an SSM parameter on
// first use and caches it for the life of the process.
type SSMKeyVerifier struct {
	client ssmParamGetter
	param  string

	mu sync.Mutex
	v  *Ed25519Verifier
}

func NewSSMKeyVerifier(client ssmParamGetter, param string) *SSMKeyVerifier {
	return &SSMKeyVerifier{client: client, param: param}
}

func (s *SSMKeyVerifier) KeyID() string { return s.param }

func (s *SSMKeyVerifier) load(ctx context.Context) (*Ed25519Verifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v != nil {
		return s.v, nil
	}
	if s.client == nil {
		return nil, xerrors.New("ssm client is not configured")
	}
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "ssm get parameter %s", s.param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("ssm parameter %s has no value", s.param)
	}
	pub, err := ParseEd25519PublicKey(*out.Parameter.Value)
	if err != nil {
		return nil, xerrors.Wrapf(err, "ssm parameter %s", s.param)
	}
	s.v = NewEd25519Verifier(pub, s.param)
	return s.v, nil
}

func (s *SSMKeyVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	v, err := s.load(ctx)
	if err != nil {
		return err
	}
	return v.VerifySignature(ctx, message, signature)
}
