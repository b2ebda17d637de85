package cryptoutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// PayloadTypeDigests is the DSSE payloadType of a signed digest table.
const PayloadTypeDigests = "application/vnd.pkgverify.digests+json"

// Envelope is a DSSE envelope as published next to each package version.
type Envelope struct {
	PayloadType string              `json:"payloadType"`
	Payload     string              `json:"payload"` // base64
	Signatures  []EnvelopeSignature `json:"signatures"`
}

type EnvelopeSignature struct {
	KeyID string `json:"keyid,omitempty"`
	Sig   string `json:"sig"` // base64 signature over PAE
}

// PAE computes the DSSE Pre-Authentication Encoding.
// Format: "DSSEv1" SP len(type) SP type SP len(body) SP body
func PAE(payloadType string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("DSSEv1 ")
	buf.WriteString(strconv.Itoa(len(payloadType)))
	buf.WriteByte(' ')
	buf.WriteString(payloadType)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(' ')
	buf.Write(payload)
	return buf.Bytes()
}

// ParseEnvelope parses envelope JSON and checks the required fields.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, xerrors.Wrap(err, "parse envelope")
	}
	if e.PayloadType == "" {
		return nil, xerrors.New("envelope has empty payloadType")
	}
	if e.Payload == "" {
		return nil, xerrors.New("envelope has empty payload")
	}
	if len(e.Signatures) == 0 {
		return nil, xerrors.New("envelope has no signatures")
	}
	return &e, nil
}

// DecodePayload base64-decodes the envelope payload.
func (e *Envelope) DecodePayload() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, xerrors.Wrap(err, "base64 decode envelope payload")
	}
	return raw, nil
}

// VerifyEnvelope checks that at least one signature in data verifies under
// v for payloadType, and returns the decoded payload. Signatures whose
// keyid matches v's are tried first.
func VerifyEnvelope(ctx context.Context, v SignatureVerifier, payloadType string, data []byte) ([]byte, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.PayloadType != payloadType {
		return nil, xerrors.Newf("envelope payloadType %q, want %q", env.PayloadType, payloadType)
	}
	payload, err := env.DecodePayload()
	if err != nil {
		return nil, err
	}
	pae := PAE(env.PayloadType, payload)

	var errs []error
	for _, s := range orderSignatures(env.Signatures, v) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig, err := base64.StdEncoding.DecodeString(s.Sig)
		if err != nil {
			errs = append(errs, xerrors.Wrap(err, "base64 decode signature"))
			continue
		}
		if err := v.VerifySignature(ctx, pae, sig); err != nil {
			errs = append(errs, err)
			continue
		}
		return payload, nil
	}
	return nil, xerrors.Wrap(errors.Join(errs...), "no envelope signature verified")
}

func orderSignatures(sigs []EnvelopeSignature, v SignatureVerifier) []EnvelopeSignature {
	ki, ok := v.(KeyIdentifier)
	if !ok || ki.KeyID() == "" {
		return sigs
	}
	out := make([]EnvelopeSignature, 0, len(sigs))
	for _, s := range sigs {
		if s.KeyID == ki.KeyID() {
			out = append(out, s)
		}
	}
	for _, s := range sigs {
		if s.KeyID != ki.KeyID() {
			out = append(out, s)
		}
	}
	return out
}

// SealEnvelope signs PAE(payloadType, payload) with sign and returns the
// envelope JSON. Used by publishing tools.
func SealEnvelope(payloadType string, payload []byte, keyID string, sign func(pae []byte) ([]byte, error)) ([]byte, error) {
	sig, err := sign(PAE(payloadType, payload))
	if err != nil {
		return nil, xerrors.Wrap(err, "sign envelope")
	}
	out, err := json.Marshal(Envelope{
		PayloadType: payloadType,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures:  []EnvelopeSignature{{KeyID: keyID, Sig: base64.StdEncoding.EncodeToString(sig)}},
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal envelope")
	}
	return out, nil
}
