// Package ratelimit provides per-key token-bucket limiting with background
// eviction of idle keys.
//
// It is in-memory and single-process. The scanner keys it by package id
// so a package that keeps failing verification and reloading cannot turn
// into a tight loop of signed-manifest fetches.
package ratelimit
