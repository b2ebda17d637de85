package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// Package is one installed package.
type Package struct {
	Metadata *pkgmeta.Metadata
	Root     string

	// DescriptorSHA256 changes whenever package.yaml does, so a rewritten
	// descriptor at the same version still counts as a reload.
	DescriptorSHA256 string
}

// ScanError records a package directory that could not be loaded.
type ScanError struct {
	Dir string
	Err string
}

// Snapshot is the result of one Scan. It is never mutated after Scan
// returns.
type Snapshot struct {
	Packages  map[pkgmeta.ID]*Package
	Errors    []ScanError
	ScannedAt time.Time
}

// Len is the number of packages in s.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Packages)
}

// IDs returns the package ids in s, sorted.
func (s *Snapshot) IDs() []pkgmeta.ID {
	if s == nil {
		return nil
	}
	ids := make([]pkgmeta.ID, 0, len(s.Packages))
	for id := range s.Packages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Scan reads every package descriptor under dir. Only an unreadable dir
// is an error; a broken package is recorded in Snapshot.Errors and
// skipped. When two directories claim the same id the higher version wins.
func Scan(ctx context.Context, dir string, logger log.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = log.Nop()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read packages dir %s", dir)
	}

	snap := &Snapshot{
		Packages:  make(map[pkgmeta.ID]*Package, len(entries)),
		ScannedAt: time.Now().UTC(),
	}
	fail := func(sub string, err error) {
		snap.Errors = append(snap.Errors, ScanError{Dir: sub, Err: err.Error()})
		logger.Warn(ctx, "skipping package directory", "dir", sub, "error", err.Error())
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || !pathutil.IsSafeSegment(e.Name()) {
			continue
		}
		root := filepath.Join(dir, e.Name())
		descPath := filepath.Join(root, DescriptorFile)
		if _, err := os.Lstat(descPath); os.IsNotExist(err) {
			continue
		}

		d, raw, err := ReadDescriptor(descPath)
		if err != nil {
			fail(e.Name(), err)
			continue
		}
		md, err := d.Metadata()
		if err != nil {
			fail(e.Name(), err)
			continue
		}

		if prev, ok := snap.Packages[md.ID]; ok {
			if prev.Metadata.Version.Compare(md.Version) >= 0 {
				fail(e.Name(), xerrors.Newf("package %s@%s shadowed by %s", md.ID, md.Version, prev.Root))
				continue
			}
			fail(filepath.Base(prev.Root), xerrors.Newf("package %s@%s shadowed by %s", md.ID, prev.Metadata.Version, root))
		}
		snap.Packages[md.ID] = &Package{
			Metadata:         md,
			Root:             root,
			DescriptorSHA256: cryptoutil.SHA256Hex(raw),
		}
	}

	logger.Debug(ctx, "package scan complete",
		"dir", dir,
		"packages", len(snap.Packages),
		"errors", len(snap.Errors),
	)
	return snap, nil
}

// Change is one difference between two snapshots. Old is nil for a new
// package and New is nil for a removed one.
type Change struct {
	ID  pkgmeta.ID
	Old *Package
	New *Package
}

// Diff lists the packages added, removed or changed from prev to next,
// sorted by id. A nil prev is empty.
func Diff(prev, next *Snapshot) []Change {
	var out []Change
	if next != nil {
		for id, np := range next.Packages {
			var op *Package
			if prev != nil {
				op = prev.Packages[id]
			}
			if op != nil && op.Root == np.Root && op.DescriptorSHA256 == np.DescriptorSHA256 {
				continue
			}
			out = append(out, Change{ID: id, Old: op, New: np})
		}
	}
	if prev != nil {
		for id, op := range prev.Packages {
			if next == nil || next.Packages[id] == nil {
				out = append(out, Change{ID: id, Old: op})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
