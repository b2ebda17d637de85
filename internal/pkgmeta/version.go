package pkgmeta

import (
	"strconv"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// maxVersionParts mirrors the four dot-separated integers a package version may carry.
const maxVersionParts = 4

// Version is a dotted numeric package version such as "1.0" or "2.10.3.1".
// The zero value is invalid. Versions are comparable with == (after
// ParseVersion normalization) and ordered with Compare.
type Version string

// ParseVersion validates s and returns its normalized form. Leading zeros
// are stripped from each component so "1.02" and "1.2" are the same Version.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", xerrors.New("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > maxVersionParts {
		return "", xerrors.Newf("version %q has %d components (max %d)", s, len(parts), maxVersionParts)
	}
	norm := make([]string, len(parts))
	for i, p := range parts {
		if p == "" {
			return "", xerrors.Newf("version %q has an empty component", s)
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return "", xerrors.Wrapf(err, "version %q component %d", s, i)
		}
		norm[i] = strconv.FormatUint(n, 10)
	}
	return Version(strings.Join(norm, ".")), nil
}

// MustParseVersion is ParseVersion for constants and tests.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsValid reports whether v parses.
func (v Version) IsValid() bool {
	_, err := ParseVersion(string(v))
	return err == nil
}

func (v Version) String() string { return string(v) }

// Compare returns -1, 0 or +1. Missing trailing components count as zero,
// so 1.0 == 1.0.0. Invalid versions sort before valid ones.
func (v Version) Compare(o Version) int {
	a, aok := v.components()
	b, bok := o.components()
	switch {
	case !aok && !bok:
		return strings.Compare(string(v), string(o))
	case !aok:
		return -1
	case !bok:
		return 1
	}
	for i := 0; i < maxVersionParts; i++ {
		var x, y uint64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

func (v Version) components() ([]uint64, bool) {
	if v == "" {
		return nil, false
	}
	parts := strings.Split(string(v), ".")
	if len(parts) > maxVersionParts {
		return nil, false
	}
	out := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}
