package opshttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/health"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/httpmw"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// APIRoutes mounts the package status API on the admin router.
	APIRoutes func(chi.Router)

	// MetricsMW instruments every request, e.g. metrics.ServerMetrics.Middleware.
	MetricsMW httpmw.Middleware

	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters
}
