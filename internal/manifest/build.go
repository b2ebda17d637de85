package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// BuildOptions controls a tree rehash.
type BuildOptions struct {
	Canonicalization pkgmeta.Canonicalization

	// OnFile, if set, is called after each file is hashed. Used for
	// metrics and by tests to interleave cancellation.
	OnFile func(rel string)
}

// BuildFromTree walks root and hashes every regular file except those
// under _metadata. Symlinks and other special files are skipped. ctx is
// checked before each file; on cancellation the partial table is dropped
// and ctx.Err() returned.
func BuildFromTree(ctx context.Context, root string, id pkgmeta.ID, v pkgmeta.Version, opts BuildOptions) (*HashManifest, error) {
	entries := make(map[string]Entry)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if strings.EqualFold(rel, pkgmeta.MetadataDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		digest, size, err := hashFile(p)
		if err != nil {
			return xerrors.Wrapf(err, "hash %s", rel)
		}
		entries[rel] = Entry{SHA256: digest, Size: size}
		if opts.OnFile != nil {
			opts.OnFile(rel)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, xerrors.Wrapf(err, "walk %s", root)
	}
	m := New(id, v, pkgmeta.SourceUnsigned, opts.Canonicalization, entries)
	m.ForceRebuilt = true
	return m, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
