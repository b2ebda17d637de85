package manifest

import (
	"sort"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
)

// Entry is the expected content of one file.
type Entry struct {
	// SHA256 is the lowercase hex digest of the file bytes.
	SHA256 string
	// Size is the file length in bytes, or -1 when unknown.
	Size int64
}

// Matches reports whether digest (lowercase hex) equals the entry's.
func (e Entry) Matches(digest string) bool {
	return cryptoutil.HashEqual(e.SHA256, digest)
}

// HashManifest is the resolved digest table for one package version.
// Fields are set by the resolver before publication and never written
// afterwards.
type HashManifest struct {
	ID      pkgmeta.ID
	Version pkgmeta.Version
	Source  pkgmeta.SourceType
	Status  Status

	// Err describes a failure status. Empty on success.
	Err string

	// ReadFailure is what happened reading the local digest file, if one
	// was read.
	ReadFailure ReadFailure

	// MayRequireForceRebuild is set when the local digest file was unusable
	// and a forced resolution would rebuild it.
	MayRequireForceRebuild bool

	// ForceRebuilt is set when this manifest came from a forced rehash.
	ForceRebuilt bool

	// MismatchedPaths lists files whose computed digest disagreed with the
	// signed digest, sorted.
	MismatchedPaths []string

	canon   pkgmeta.Canonicalization
	entries map[string]Entry
}

// New returns a successful manifest over entries. Paths are normalized and
// canonicalized; entries whose path normalizes to "" are dropped.
func New(id pkgmeta.ID, v pkgmeta.Version, src pkgmeta.SourceType, canon pkgmeta.Canonicalization, entries map[string]Entry) *HashManifest {
	m := &HashManifest{
		ID:      id,
		Version: v,
		Source:  src,
		Status:  StatusOK,
		canon:   canon,
		entries: make(map[string]Entry, len(entries)),
	}
	for p, e := range entries {
		if cp := canon.Canonical(pkgmeta.NormalizeRelativePath(p)); cp != "" {
			m.entries[cp] = e
		}
	}
	return m
}

// Failed returns a terminal failure manifest with no entries.
func Failed(id pkgmeta.ID, v pkgmeta.Version, src pkgmeta.SourceType, status Status, err error) *HashManifest {
	m := &HashManifest{ID: id, Version: v, Source: src, Status: status}
	if err != nil {
		m.Err = err.Error()
	}
	return m
}

// Unverified is the empty manifest for packages with no verification source.
func Unverified(id pkgmeta.ID, v pkgmeta.Version) *HashManifest {
	return &HashManifest{ID: id, Version: v, Source: pkgmeta.SourceNone, Status: StatusUnverified}
}

// OK reports whether the digest table is usable.
func (m *HashManifest) OK() bool { return m != nil && m.Status == StatusOK }

// Lookup returns the entry for a normalized relative path.
func (m *HashManifest) Lookup(rel string) (Entry, bool) {
	if m == nil || m.entries == nil {
		return Entry{}, false
	}
	e, ok := m.entries[m.canon.Canonical(rel)]
	return e, ok
}

// Len is the number of entries.
func (m *HashManifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Paths returns the canonical entry paths, sorted.
func (m *HashManifest) Paths() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.entries))
	for p := range m.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasMismatches reports whether any signed digest disagreed with disk.
func (m *HashManifest) HasMismatches() bool { return m != nil && len(m.MismatchedPaths) > 0 }

// Diff returns the sorted paths in m whose digest is absent from or
// different in computed. m is the reference table.
func (m *HashManifest) Diff(computed *HashManifest) []string {
	var out []string
	for p, want := range m.entries {
		got, ok := computed.Lookup(p)
		if !ok || !want.Matches(got.SHA256) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
