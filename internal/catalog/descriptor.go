package catalog

import (
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

const (
	// DescriptorFile names the descriptor in each package root.
	DescriptorFile = "package.yaml"

	// maxDescriptorSize bounds a descriptor read (bytes).
	maxDescriptorSize = 1 << 20
)

// Descriptor is the on-disk form of package metadata.
//
//	id: com.example.reader
//	version: 2.4.1
//	manifest_version: 3
//	source: signed
//	background:
//	  service_worker: sw.js
//	content_scripts: [inject.js]
//	browser_images: [icons/16.png]
type Descriptor struct {
	ID              string `yaml:"id"`
	Version         string `yaml:"version"`
	ManifestVersion int    `yaml:"manifest_version"`
	Source          string `yaml:"source"`

	Background struct {
		Page          string   `yaml:"page,omitempty"`
		ServiceWorker string   `yaml:"service_worker,omitempty"`
		Scripts       []string `yaml:"scripts,omitempty"`
	} `yaml:"background,omitempty"`

	ContentScripts   []string `yaml:"content_scripts,omitempty"`
	BrowserImages    []string `yaml:"browser_images,omitempty"`
	GeneratedIndexes []string `yaml:"generated_indexes,omitempty"`
}

// ParseDescriptor decodes data strictly; unknown keys are an error.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	if len(data) > maxDescriptorSize {
		return nil, xerrors.Newf("descriptor exceeds %d bytes", maxDescriptorSize)
	}
	var d Descriptor
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, xerrors.Wrap(err, "parse descriptor")
	}
	return &d, nil
}

// ReadDescriptor reads and parses the descriptor at path.
func ReadDescriptor(path string) (*Descriptor, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "read %s", path)
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "%s", path)
	}
	return d, data, nil
}

// Metadata converts d to validated package metadata. The descriptor is the
// package manifest, so it is never itself verified.
func (d *Descriptor) Metadata() (*pkgmeta.Metadata, error) {
	v, err := pkgmeta.ParseVersion(d.Version)
	if err != nil {
		return nil, xerrors.Wrapf(err, "package %s", d.ID)
	}
	src, err := pkgmeta.ParseSourceType(d.Source)
	if err != nil {
		return nil, xerrors.Wrapf(err, "package %s", d.ID)
	}
	md := &pkgmeta.Metadata{
		ID:                  pkgmeta.ID(d.ID),
		Version:             v,
		ManifestVersion:     d.ManifestVersion,
		Source:              src,
		ManifestFile:        DescriptorFile,
		BackgroundPage:      d.Background.Page,
		ServiceWorkerScript: d.Background.ServiceWorker,
		BackgroundScripts:   d.Background.Scripts,
		ContentScripts:      d.ContentScripts,
		BrowserImages:       d.BrowserImages,
		GeneratedIndexes:    d.GeneratedIndexes,
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// Marshal encodes d as YAML.
func (d *Descriptor) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
