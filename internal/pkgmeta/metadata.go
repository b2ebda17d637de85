package pkgmeta

import (
	"errors"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// ID is the stable, opaque identifier of a package.
type ID string

// SourceType selects where a package's reference digests come from.
type SourceType int

const (
	// SourceNone disables verification for the package.
	SourceNone SourceType = iota
	// SourceSigned verifies against a remotely fetched, signed manifest.
	SourceSigned
	// SourceUnsigned verifies against a locally computed digest table.
	SourceUnsigned
)

func (s SourceType) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceSigned:
		return "signed"
	case SourceUnsigned:
		return "unsigned"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSourceType accepts the String forms.
func ParseSourceType(s string) (SourceType, error) {
	switch s {
	case "", "none":
		return SourceNone, nil
	case "signed":
		return SourceSigned, nil
	case "unsigned":
		return SourceUnsigned, nil
	default:
		return SourceNone, fmt.Errorf("unknown source type %q (valid types are none|signed|unsigned)", s)
	}
}

// DefaultManifestFile is the package manifest name; it is rewritten by the
// host after install and can never be verified.
const DefaultManifestFile = "manifest.json"

// Metadata is the snapshot of a loaded package that the classifier needs.
// It is built once per load and replaced whole on reload; nothing mutates
// a Metadata after it has been handed to the coordinator.
type Metadata struct {
	ID      ID
	Version Version

	// ManifestVersion is the package schema generation (2, 3, ...). It does
	// not change classification but is reported alongside failures.
	ManifestVersion int

	Source SourceType

	// ManifestFile defaults to DefaultManifestFile.
	ManifestFile string

	BackgroundPage      string
	ServiceWorkerScript string
	BackgroundScripts   []string
	ContentScripts      []string

	// BrowserImages are rewritten by the host at load time.
	BrowserImages []string
	// GeneratedIndexes are produced at install time (indexed rulesets and similar).
	GeneratedIndexes []string
}

// Validate checks identity fields only; path lists are free-form.
func (m *Metadata) Validate() error {
	var errs []error
	if m.ID == "" {
		errs = append(errs, errors.New("package id is required"))
	}
	if !m.Version.IsValid() {
		errs = append(errs, fmt.Errorf("package %s: invalid version %q", m.ID, m.Version))
	}
	if m.Source < SourceNone || m.Source > SourceUnsigned {
		errs = append(errs, fmt.Errorf("package %s: invalid source type %d", m.ID, int(m.Source)))
	}
	return xerrors.Join(errs...)
}

func (m *Metadata) manifestFile() string {
	if m.ManifestFile == "" {
		return DefaultManifestFile
	}
	return m.ManifestFile
}
