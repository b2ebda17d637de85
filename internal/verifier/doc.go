// Package verifier is the facade the rest of the daemon uses to check
// package content.
//
// A Coordinator owns the loaded package table and the manifest cache. Both
// are mutated only on the control loop; the package table is additionally
// published as an immutable snapshot so CreateVerificationJob can run on
// any goroutine. A Job hashes one file as it is read and reports a
// mismatch back to the Coordinator, which classifies the affected paths
// and invokes the Policy.
package verifier
