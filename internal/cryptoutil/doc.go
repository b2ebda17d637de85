// Package cryptoutil provides the signature and digest primitives used to
// trust package manifests.
//
// It supports:
//   - KMS-backed signature verification (ECDSA P-256/P-384, RSA-PSS with optional PKCS1v15 fallback)
//   - Ed25519 verification with keys from configuration or SSM Parameter Store
//   - DSSE envelopes wrapping signed digest tables
//   - Constant-time hash comparison and streaming SHA-256
package cryptoutil
