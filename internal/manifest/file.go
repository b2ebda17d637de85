package manifest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

const (
	// FormatVersion is the only DigestFile format understood.
	FormatVersion = 1

	ComputedHashesFile   = "computed_hashes.json"
	VerifiedContentsFile = "verified_contents.json"
)

// ComputedHashesPath is where the locally computed table lives under root.
func ComputedHashesPath(root string) string {
	return filepath.Join(root, pkgmeta.MetadataDir, ComputedHashesFile)
}

// VerifiedContentsPath is where the verified signed envelope lives under root.
func VerifiedContentsPath(root string) string {
	return filepath.Join(root, pkgmeta.MetadataDir, VerifiedContentsFile)
}

// DigestFile is the JSON document shared by computed and signed tables.
type DigestFile struct {
	FormatVersion  int         `json:"format_version"`
	PackageID      string      `json:"package_id"`
	PackageVersion string      `json:"package_version"`
	GeneratedAt    string      `json:"generated_at,omitempty"`
	Files          []FileEntry `json:"files"`
}

// FileEntry is one row of the digest table.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   *int64 `json:"size,omitempty"`
}

// NewDigestFile builds a document from a manifest, rows sorted by path.
func NewDigestFile(m *HashManifest, now time.Time) *DigestFile {
	df := &DigestFile{
		FormatVersion:  FormatVersion,
		PackageID:      string(m.ID),
		PackageVersion: string(m.Version),
		Files:          make([]FileEntry, 0, m.Len()),
	}
	if !now.IsZero() {
		df.GeneratedAt = now.UTC().Format(time.RFC3339)
	}
	for _, p := range m.Paths() {
		e := m.entries[p]
		fe := FileEntry{Path: p, SHA256: e.SHA256}
		if e.Size >= 0 {
			size := e.Size
			fe.Size = &size
		}
		df.Files = append(df.Files, fe)
	}
	return df
}

// Encode returns the RFC 8785 canonical JSON form of df.
func (df *DigestFile) Encode() ([]byte, error) {
	raw, err := json.Marshal(df)
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal digest file")
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, xerrors.Wrap(err, "canonicalize digest file")
	}
	return out, nil
}

// Entries returns the rows as a path map. Sizes that were omitted are -1.
func (df *DigestFile) Entries() map[string]Entry {
	out := make(map[string]Entry, len(df.Files))
	for _, f := range df.Files {
		e := Entry{SHA256: f.SHA256, Size: -1}
		if f.Size != nil {
			e.Size = *f.Size
		}
		out[f.Path] = e
	}
	return out
}

// DecodeDigestFile validates data against the schema and parses it.
func DecodeDigestFile(data []byte) (*DigestFile, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var df DigestFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, xerrors.Wrap(err, "parse digest file")
	}
	return &df, nil
}

// IsCanonical reports whether data is already in RFC 8785 form. Signed
// payloads must be, so that signature bytes and parsed content agree.
func IsCanonical(data []byte) bool {
	out, err := jcs.Transform(data)
	if err != nil {
		return false
	}
	return string(out) == string(data)
}

// ReadComputed loads the computed digest table for (id, v) under root.
// A non-OK ReadFailure comes with the underlying error.
func ReadComputed(root string, id pkgmeta.ID, v pkgmeta.Version, canon pkgmeta.Canonicalization) (*HashManifest, ReadFailure, error) {
	data, err := os.ReadFile(ComputedHashesPath(root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ReadMissing, err
		}
		return nil, ReadUnreadable, xerrors.Wrap(err, "read computed hashes")
	}
	return FromDigestBytes(data, id, v, pkgmeta.SourceUnsigned, canon)
}

// FromDigestBytes decodes a DigestFile and checks it belongs to (id, v).
func FromDigestBytes(data []byte, id pkgmeta.ID, v pkgmeta.Version, src pkgmeta.SourceType, canon pkgmeta.Canonicalization) (*HashManifest, ReadFailure, error) {
	df, err := DecodeDigestFile(data)
	if err != nil {
		return nil, ReadCorrupt, err
	}
	if pkgmeta.ID(df.PackageID) != id || pkgmeta.Version(df.PackageVersion).Compare(v) != 0 {
		return nil, ReadIdentityMismatch, xerrors.Newf("digest file is for %s@%s, want %s@%s", df.PackageID, df.PackageVersion, id, v)
	}
	return New(id, v, src, canon, df.Entries()), ReadOK, nil
}

// WriteComputed persists m as the computed digest table under root.
func WriteComputed(root string, m *HashManifest, now time.Time) error {
	data, err := NewDigestFile(m, now).Encode()
	if err != nil {
		return err
	}
	return writeMetadataFile(ComputedHashesPath(root), data)
}

// ReadVerifiedContents returns the persisted signed envelope under root.
func ReadVerifiedContents(root string) ([]byte, ReadFailure, error) {
	data, err := os.ReadFile(VerifiedContentsPath(root))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ReadMissing, err
		}
		return nil, ReadUnreadable, xerrors.Wrap(err, "read verified contents")
	}
	return data, ReadOK, nil
}

// WriteVerifiedContents persists a signed envelope that has already been
// verified.
func WriteVerifiedContents(root string, envelope []byte) error {
	return writeMetadataFile(VerifiedContentsPath(root), envelope)
}

func writeMetadataFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(err, "create metadata dir")
	}
	return writeFileAtomic(path, data, 0o644)
}
