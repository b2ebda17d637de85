package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
)

// HashEqual performs constant-time comparison of two hex-encoded hashes
// to prevent timing attacks. It returns true if the hashes are equal.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Digester is a streaming SHA-256 that also counts bytes. Not safe for
// concurrent use.
type Digester struct {
	h hash.Hash
	n int64
}

func NewDigester() *Digester { return &Digester{h: sha256.New()} }

// Write never returns an error.
func (d *Digester) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.h.Write(p)
}

// Len is the number of bytes written so far.
func (d *Digester) Len() int64 { return d.n }

// SumHex returns the lowercase hex digest of everything written so far.
func (d *Digester) SumHex() string { return hex.EncodeToString(d.h.Sum(nil)) }
