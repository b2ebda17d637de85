// Package manifest holds the hash manifest data model and its on-disk
// forms.
//
// A HashManifest is the table of expected per-file digests for one
// package version, plus the outcome of producing it. It is immutable once
// published: resolvers build one, hand it to the hash service, and from
// then on any number of verification jobs may read it concurrently.
//
// Two files live under a package's _metadata directory:
//
//	computed_hashes.json    digest table computed locally from the tree
//	verified_contents.json  signed envelope fetched from the publisher
//
// Both payloads share one JSON document shape (DigestFile), validated
// against an embedded JSON Schema and written in RFC 8785 canonical form.
package manifest
