package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// resolver
	resolveDur         *prometheus.HistogramVec
	treeRebuildsTotal  *prometheus.CounterVec
	signedFetchesTotal *prometheus.CounterVec
	fetchThrottled     prometheus.Counter

	// hash resolution service
	resolvesStarted   prometheus.Counter
	resolvesJoined    prometheus.Counter
	resolvesCancelled prometheus.Counter
	forceReruns       prometheus.Counter
	resolvesPending   prometheus.Gauge

	// coordinator and jobs
	jobsCreated      *prometheus.CounterVec
	jobResults       *prometheus.CounterVec
	policyReports    *prometheus.CounterVec
	manifestCache    *prometheus.CounterVec
	packagesLoaded   prometheus.Gauge
	failuresTotal    *prometheus.CounterVec
	packagesDisabled prometheus.Gauge

	// scanner
	scannerPollsTotal    prometheus.Counter
	scannerErrorsTotal   *prometheus.CounterVec
	scanDuration         prometheus.Histogram
	scannerLastSuccessTs prometheus.Gauge
	scannerStale         prometheus.Gauge
	filesVerified        *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP and verifier
// metrics. Labels are bounded enums only (kind, reason, status, source).
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered HTTP handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),

		resolveDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pkgverify_resolve_duration_seconds",
			Help:    "Time to resolve one hash manifest by source and resulting status",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30},
		}, []string{"source", "status"}),
		treeRebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_tree_rebuilds_total",
			Help: "Total package trees rehashed by source",
		}, []string{"source"}),
		signedFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_signed_fetches_total",
			Help: "Total signed manifest fetches by result (ok, error, invalid)",
		}, []string{"result"}),
		fetchThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgverify_signed_fetches_throttled_total",
			Help: "Total signed manifest fetches rejected by the per-package rate limiter",
		}),

		resolvesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgverify_resolves_started_total",
			Help: "Total manifest resolutions dispatched to the background pool",
		}),
		resolvesJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgverify_resolves_joined_total",
			Help: "Total manifest requests that joined an in-flight resolution",
		}),
		resolvesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgverify_resolves_cancelled_total",
			Help: "Total in-flight resolutions cancelled by unload or shutdown",
		}),
		forceReruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgverify_force_reruns_total",
			Help: "Total resolutions rerun with force rebuild for a joined waiter",
		}),
		resolvesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgverify_resolves_pending",
			Help: "Current number of in-flight manifest resolutions",
		}),

		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_jobs_created_total",
			Help: "Total verification jobs created by file kind",
		}, []string{"kind"}),
		jobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_job_results_total",
			Help: "Total finished verification jobs by failure reason (none on success)",
		}, []string{"reason"}),
		policyReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_policy_reports_total",
			Help: "Total failures reported to the policy by reason",
		}, []string{"reason"}),
		manifestCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_manifest_cache_total",
			Help: "Manifest cache lookups by result (hit, miss)",
		}, []string{"result"}),
		packagesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgverify_packages_loaded",
			Help: "Current number of packages loaded into the coordinator",
		}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_verification_failures_total",
			Help: "Total verification failures by affected kind and reason",
		}, []string{"kind", "reason"}),
		packagesDisabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgverify_packages_disabled",
			Help: "Current number of packages disabled by the failure policy",
		}),

		scannerPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pkgverify_scanner_polls_total",
			Help: "Total number of package scanner poll cycles",
		}),
		scannerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_scanner_errors_total",
			Help: "Total scanner errors by type",
		}, []string{"type"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pkgverify_scan_duration_seconds",
			Help:    "Time to scan, apply and verify the packages directory",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		scannerLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgverify_scanner_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful packages directory scan",
		}),
		scannerStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pkgverify_scanner_stale",
			Help: "Whether the package scanner is stale (1) or healthy (0)",
		}),
		filesVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pkgverify_files_verified_total",
			Help: "Total files streamed by the scanner by result",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.profilingActive,
		m.resolveDur,
		m.treeRebuildsTotal,
		m.signedFetchesTotal,
		m.fetchThrottled,
		m.resolvesStarted,
		m.resolvesJoined,
		m.resolvesCancelled,
		m.forceReruns,
		m.resolvesPending,
		m.jobsCreated,
		m.jobResults,
		m.policyReports,
		m.manifestCache,
		m.packagesLoaded,
		m.failuresTotal,
		m.packagesDisabled,
		m.scannerPollsTotal,
		m.scannerErrorsTotal,
		m.scanDuration,
		m.scannerLastSuccessTs,
		m.scannerStale,
		m.filesVerified,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// resolver.Metrics

func (m *ServerMetrics) ObserveResolve(source, status string, seconds float64) {
	m.resolveDur.WithLabelValues(source, status).Observe(seconds)
}

func (m *ServerMetrics) IncTreeRebuild(source string) {
	m.treeRebuildsTotal.WithLabelValues(source).Inc()
}

func (m *ServerMetrics) IncSignedFetch(result string) {
	m.signedFetchesTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncFetchThrottled() {
	m.fetchThrottled.Inc()
}

// hashsvc.Metrics

func (m *ServerMetrics) IncResolveStarted()   { m.resolvesStarted.Inc() }
func (m *ServerMetrics) IncResolveJoined()    { m.resolvesJoined.Inc() }
func (m *ServerMetrics) IncResolveCancelled() { m.resolvesCancelled.Inc() }
func (m *ServerMetrics) IncForceRerun()       { m.forceReruns.Inc() }

func (m *ServerMetrics) SetResolvesPending(n int) {
	m.resolvesPending.Set(float64(n))
}

// verifier.Metrics

func (m *ServerMetrics) IncJobsCreated(kind string) {
	m.jobsCreated.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncJobResult(reason string) {
	m.jobResults.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncPolicyReport(reason string) {
	m.policyReports.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncManifestCache(result string) {
	m.manifestCache.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) SetPackagesLoaded(n int) {
	m.packagesLoaded.Set(float64(n))
}

// policy.Metrics

func (m *ServerMetrics) IncVerificationFailure(kind, reason string) {
	m.failuresTotal.WithLabelValues(kind, reason).Inc()
}

func (m *ServerMetrics) SetPackagesDisabled(n int) {
	m.packagesDisabled.Set(float64(n))
}

// scanner.Metrics

func (m *ServerMetrics) IncScannerPolls() {
	m.scannerPollsTotal.Inc()
}

func (m *ServerMetrics) IncScannerError(errType string) {
	m.scannerErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveScanDuration(seconds float64) {
	m.scanDuration.Observe(seconds)
}

func (m *ServerMetrics) SetScannerLastSuccess(unixSeconds float64) {
	m.scannerLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetScannerStale(stale bool) {
	m.scannerStale.Set(boolGauge(stale))
}

func (m *ServerMetrics) IncFilesVerified(result string) {
	m.filesVerified.WithLabelValues(result).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
