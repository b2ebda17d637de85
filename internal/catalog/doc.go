// Package catalog discovers installed packages on disk.
//
// Each immediate subdirectory of the packages directory that carries a
// package.yaml descriptor is one installed package; the subdirectory is
// its root. A Scan yields an immutable Snapshot, and Store publishes the
// latest one to readers without locking.
package catalog
