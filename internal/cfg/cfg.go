package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// package scanning and verification
	PackagesDir     string
	ScanInterval    time.Duration
	StaleThreshold  time.Duration
	PoolWorkers     int
	VerifyWorkers   int
	JobTimeout      time.Duration
	ExtraLocales    string
	CaseInsensitive bool
	TrimDotSpace    bool
	RebuildPolicy   string

	// signed manifests
	ManifestS3Bucket   string
	ManifestS3Prefix   string
	FetchRate          float64
	FetchBurst         int
	GlobalFetchRate    float64
	SigningKeyARN      string
	SigningKeySSMParam string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin/status listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.PackagesDir, "packages-dir", "/var/lib/pkgverify/packages", "directory holding one subdirectory per installed package")
	fs.DurationVar(&c.ScanInterval, "scan-interval", time.Minute, "how often to rescan and reverify the packages directory")
	fs.DurationVar(&c.StaleThreshold, "stale-threshold", 30*time.Minute, "report stale after scans have failed for this long")
	fs.IntVar(&c.PoolWorkers, "pool-workers", 4, "background manifest resolutions run at once (1..64)")
	fs.IntVar(&c.VerifyWorkers, "verify-workers", 4, "files streamed through verification jobs at once (1..64)")
	fs.DurationVar(&c.JobTimeout, "job-timeout", 30*time.Second, "max wait for one file's verdict")
	fs.StringVar(&c.ExtraLocales, "extra-locales", "", "comma separated locale codes accepted in addition to the built-in set")
	fs.BoolVar(&c.CaseInsensitive, "case-insensitive", false, "compare package paths without regard to ASCII case")
	fs.BoolVar(&c.TrimDotSpace, "trim-dot-space", false, "ignore trailing dots and spaces in package paths")
	fs.StringVar(&c.RebuildPolicy, "rebuild-policy", "all", "local digest read failures repaired by rehashing: all|none|missing,unreadable,corrupt,identity-mismatch")

	fs.StringVar(&c.ManifestS3Bucket, "manifest-s3-bucket", "", "s3 bucket holding signed manifests (empty disables remote fetches)")
	fs.StringVar(&c.ManifestS3Prefix, "manifest-s3-prefix", "pkgverify/manifests", "s3 key prefix for signed manifests")
	fs.Float64Var(&c.FetchRate, "fetch-rate", 1.0/60, "per-package signed manifest fetches per second")
	fs.IntVar(&c.FetchBurst, "fetch-burst", 3, "per-package signed manifest fetch burst")
	fs.Float64Var(&c.GlobalFetchRate, "global-fetch-rate", 10, "signed manifest fetches per second across all packages (0 = unlimited)")
	fs.StringVar(&c.SigningKeyARN, "signing-key-arn", "", "KMS key ARN for signed manifest verification")
	fs.StringVar(&c.SigningKeySSMParam, "signing-key-ssm-param", "", "SSM parameter holding an Ed25519 public key for signed manifest verification")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Locales splits ExtraLocales into trimmed, non-empty codes.
func (c App) Locales() []string {
	var out []string
	for _, l := range strings.Split(c.ExtraLocales, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App, hasProvenance bool) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Scanning
	if c.PackagesDir == "" {
		errs = append(errs, fmt.Errorf("PACKAGES_DIR is required"))
	}
	if c.ScanInterval < time.Second {
		errs = append(errs, fmt.Errorf("SCAN_INTERVAL must be at least 1s (got %s)", c.ScanInterval))
	}
	if c.StaleThreshold < c.ScanInterval {
		errs = append(errs, fmt.Errorf("STALE_THRESHOLD %s must not be shorter than SCAN_INTERVAL %s", c.StaleThreshold, c.ScanInterval))
	}
	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		errs = append(errs, fmt.Errorf("POOL_WORKERS must be 1..64 (got %d)", c.PoolWorkers))
	}
	if c.VerifyWorkers < 1 || c.VerifyWorkers > 64 {
		errs = append(errs, fmt.Errorf("VERIFY_WORKERS must be 1..64 (got %d)", c.VerifyWorkers))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("JOB_TIMEOUT must be positive (got %s)", c.JobTimeout))
	}
	if _, err := manifest.ParseRebuildPolicy(c.RebuildPolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid REBUILD_POLICY: %w", err))
	}

	// Signed manifests
	if c.FetchRate <= 0 || c.FetchBurst < 1 {
		errs = append(errs, fmt.Errorf("FETCH_RATE must be positive and FETCH_BURST at least 1 (got %g, %d)", c.FetchRate, c.FetchBurst))
	}
	if c.GlobalFetchRate < 0 {
		errs = append(errs, fmt.Errorf("GLOBAL_FETCH_RATE must not be negative (got %g)", c.GlobalFetchRate))
	}
	if c.SigningKeyARN != "" && c.SigningKeySSMParam != "" {
		errs = append(errs, fmt.Errorf("set only one of SIGNING_KEY_ARN and SIGNING_KEY_SSM_PARAM"))
	}
	if c.ManifestS3Bucket != "" && c.SigningKeyARN == "" && c.SigningKeySSMParam == "" {
		errs = append(errs, fmt.Errorf("SIGNING_KEY_ARN or SIGNING_KEY_SSM_PARAM is required when MANIFEST_S3_BUCKET is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Fail-closed: release builds must be able to verify signed packages.
	// Dev builds without ldflags skip this so they can run unsigned-only.
	if hasProvenance {
		if c.ManifestS3Bucket == "" {
			return fmt.Errorf("release build requires manifest-s3-bucket")
		}
	}
	return nil
}
