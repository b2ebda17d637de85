// Package pkgmeta describes installed packages as the verifier sees them.
//
// It holds the identity types ([ID], [Version]), the per-package snapshot
// built at load time ([Metadata]), and the File-Type Classifier that maps a
// package-relative path to a [Kind]. A path classified [KindNone] is never
// verified: the manifest file itself, host-rewritten images, generated index
// files and localized message catalogs all change after install.
//
// Everything in this package is pure. A [Classifier] is immutable once
// compiled and safe to share between goroutines.
package pkgmeta
