// Package health provides composable health check probes and HTTP handlers
// for the liveness and readiness endpoints on the admin listener.
//
// Probes can be combined with [All] (AND), [Any] (OR), and [Fixed] (static).
// [CheckFunc] adapts a plain function into a [Probe]; pkgverifyd uses it to
// fail readiness until the first package scan has been published and while
// the scanner is stale.
//
// [ShutdownGate] flips readiness to false once draining starts.
package health
