// Package transport fetches publisher-signed digest envelopes.
//
// S3 reads them from {prefix}/{id}/{version}/verified_contents.json.
// RateLimited wraps any resolver.Transport with per-package and global
// throttling.
package transport
