package manifest

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// writeFileAtomic writes through a synced temp file in the same directory
// and renames it over path, so readers never observe a partial table.
func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return xerrors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return xerrors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return xerrors.Wrap(err, "sync temp file")
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return xerrors.Wrap(err, "chmod temp file")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(err, "close temp file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return xerrors.Wrap(err, "rename temp file")
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return xerrors.Wrap(rmErr, "remove destination before rename")
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return xerrors.Wrap(err, "rename temp file after remove")
		}
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
