package manifest

import (
	"fmt"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// Key identifies one cache entry and one in-flight resolution.
type Key struct {
	ID           pkgmeta.ID
	Version      pkgmeta.Version
	ForceRebuild bool
}

// WithForce returns k with ForceRebuild set to force.
func (k Key) WithForce(force bool) Key {
	k.ForceRebuild = force
	return k
}

func (k Key) String() string {
	if k.ForceRebuild {
		return fmt.Sprintf("%s@%s+force", k.ID, k.Version)
	}
	return fmt.Sprintf("%s@%s", k.ID, k.Version)
}

// Status is the terminal outcome of a resolution. Failure statuses are
// cached like successes; callers check Status instead of an error.
type Status uint8

const (
	// StatusOK means the digest table is usable.
	StatusOK Status = iota
	// StatusUnverified is returned for packages with no verification source.
	StatusUnverified
	// StatusMissing means no local digest table could be read or built.
	StatusMissing
	// StatusFetchFailed means the signed manifest could not be retrieved.
	StatusFetchFailed
	// StatusSignatureInvalid means the signed manifest failed verification
	// or its signed payload was unusable.
	StatusSignatureInvalid
)

var statusNames = [...]string{
	StatusOK:               "ok",
	StatusUnverified:       "unverified",
	StatusMissing:          "missing",
	StatusFetchFailed:      "fetch-failed",
	StatusSignatureInvalid: "signature-invalid",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Reason is what a job or the coordinator reports for a failed package.
func (s Status) Reason() Reason {
	switch s {
	case StatusOK, StatusUnverified:
		return ReasonNone
	case StatusSignatureInvalid:
		return ReasonSignatureInvalid
	case StatusFetchFailed:
		return ReasonFetchFailed
	default:
		return ReasonMissingAllHashes
	}
}

// Reason is the failure reason handed to the policy layer.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonMissingAllHashes: no usable digest table for the package.
	ReasonMissingAllHashes
	// ReasonNoHashesForFile: the table has no entry for the file read.
	ReasonNoHashesForFile
	// ReasonHashMismatch: file content did not match its digest.
	ReasonHashMismatch
	// ReasonSignatureInvalid: the signed manifest did not verify.
	ReasonSignatureInvalid
	// ReasonFetchFailed: the signed manifest could not be retrieved, so
	// nothing about the package content is known.
	ReasonFetchFailed
)

var reasonNames = [...]string{
	ReasonNone:             "none",
	ReasonMissingAllHashes: "missing-all-hashes",
	ReasonNoHashesForFile:  "no-hashes-for-file",
	ReasonHashMismatch:     "hash-mismatch",
	ReasonSignatureInvalid: "signature-invalid",
	ReasonFetchFailed:      "fetch-failed",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Unverifiable reports whether r leaves the package unchecked rather than
// showing its content is wrong.
func (r Reason) Unverifiable() bool { return r == ReasonFetchFailed }

// ReadFailure classifies why a local digest file could not be used.
type ReadFailure uint8

const (
	ReadOK ReadFailure = iota
	// ReadMissing: the file does not exist.
	ReadMissing
	// ReadUnreadable: the file exists but could not be read.
	ReadUnreadable
	// ReadCorrupt: the file is not valid JSON or fails the schema.
	ReadCorrupt
	// ReadIdentityMismatch: the file is for another package or version.
	ReadIdentityMismatch
)

var readFailureNames = [...]string{
	ReadOK:               "ok",
	ReadMissing:          "missing",
	ReadUnreadable:       "unreadable",
	ReadCorrupt:          "corrupt",
	ReadIdentityMismatch: "identity-mismatch",
}

func (f ReadFailure) String() string {
	if int(f) < len(readFailureNames) {
		return readFailureNames[f]
	}
	return fmt.Sprintf("read-failure(%d)", uint8(f))
}

// RebuildPolicy is the set of read failures that mark a manifest as
// "may require force rebuild" and that a forced resolution repairs by
// rehashing the package tree.
type RebuildPolicy uint8

// DefaultRebuildPolicy rebuilds on every read failure.
const DefaultRebuildPolicy = RebuildPolicy(1<<ReadMissing | 1<<ReadUnreadable | 1<<ReadCorrupt | 1<<ReadIdentityMismatch)

// NewRebuildPolicy builds a policy from the listed failures.
func NewRebuildPolicy(fs ...ReadFailure) RebuildPolicy {
	var p RebuildPolicy
	for _, f := range fs {
		if f != ReadOK {
			p |= 1 << f
		}
	}
	return p
}

// ParseRebuildPolicy accepts a comma separated list of failure names, or
// "all" / "none".
func ParseRebuildPolicy(s string) (RebuildPolicy, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "all":
		return DefaultRebuildPolicy, nil
	case "none":
		return 0, nil
	}
	var p RebuildPolicy
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		found := false
		for f := ReadMissing; int(f) < len(readFailureNames); f++ {
			if readFailureNames[f] == part {
				p |= 1 << f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown read failure %q (valid values are missing|unreadable|corrupt|identity-mismatch)", part)
		}
	}
	return p, nil
}

// Covers reports whether f triggers a rebuild under p.
func (p RebuildPolicy) Covers(f ReadFailure) bool {
	return f != ReadOK && p&(1<<f) != 0
}

func (p RebuildPolicy) String() string {
	var names []string
	for f := ReadMissing; int(f) < len(readFailureNames); f++ {
		if p.Covers(f) {
			names = append(names, f.String())
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
