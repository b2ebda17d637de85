package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/health"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/manifest"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/pkgmeta"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/policy"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/resolver"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/runloop"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/scanner"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/statushttp"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/transport"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/verifier"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-pkgverify/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()
	hasProvenance := vi.HasProvenance()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix PKGVERIFY_
	cfg.FillFromEnv(flag.CommandLine, "PKGVERIFY_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf, hasProvenance); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "pkgverifyd")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"packages_dir", conf.PackagesDir,
		"scan_interval", conf.ScanInterval,
		"pool_workers", conf.PoolWorkers,
		"verify_workers", conf.VerifyWorkers,
		"rebuild_policy", conf.RebuildPolicy,
		"case_insensitive", conf.CaseInsensitive,
		"trim_dot_space", conf.TrimDotSpace,
		"manifest_s3_bucket", conf.ManifestS3Bucket,
		"manifest_s3_prefix", conf.ManifestS3Prefix,
		"signing_key_arn", conf.SigningKeyARN,
		"signing_key_ssm_param", conf.SigningKeySSMParam,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "pkgverifyd", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "pkgverifyd",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "pkgverifyd",
		Version:   vi.Version,
		Attributes: []attribute.KeyValue{
			attribute.String("pkgverify.packages_dir", conf.PackagesDir),
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without tracing")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	canon := pkgmeta.Canonicalization{
		CaseInsensitive: conf.CaseInsensitive,
		TrimDotSpace:    conf.TrimDotSpace,
	}
	rebuild, err := manifest.ParseRebuildPolicy(conf.RebuildPolicy)
	if err != nil {
		// already checked by cfg.Validate
		L.Error(ctx, err, "invalid rebuild policy")
		os.Exit(1)
	}

	// signed manifest source, only wired when a bucket is configured.
	// packages declaring a signed source without one fail resolution and are reported.
	var sources verifier.StaticSources
	if conf.ManifestS3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}

		s3t, err := transport.NewS3(ctx, transport.S3Options{
			Logger:    L,
			Bucket:    conf.ManifestS3Bucket,
			Prefix:    conf.ManifestS3Prefix,
			AWSConfig: &awsCfg,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create signed manifest transport")
			os.Exit(1)
		}

		perPackage := ratelimit.New(ctx,
			ratelimit.WithRate(conf.FetchRate, conf.FetchBurst),
			ratelimit.WithTTL(time.Hour),
			// only log the first time a package is throttled each time it is cleaned from the map
			ratelimit.WithOnFirstDenied(func(id string) {
				L.Warn(ctx, "signed manifest fetches throttled", "package_id", id)
			}),
		)
		var global *rate.Limiter
		if conf.GlobalFetchRate > 0 {
			global = rate.NewLimiter(rate.Limit(conf.GlobalFetchRate), max(1, int(conf.GlobalFetchRate)))
		}
		sources.Transport = &transport.RateLimited{
			Next:       s3t,
			PerPackage: perPackage,
			Global:     global,
			Metrics:    m,
		}

		switch {
		case conf.SigningKeyARN != "":
			sources.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.SigningKeyARN)
		case conf.SigningKeySSMParam != "":
			sources.Verifier = cryptoutil.NewSSMKeyVerifier(ssm.NewFromConfig(awsCfg), conf.SigningKeySSMParam)
		}
	} else {
		L.Info(ctx, "no manifest bucket configured, signed packages cannot be verified")
	}

	tracker := policy.New(policy.Options{
		Logger:  L,
		Metrics: m,
		OnDisable: func(id pkgmeta.ID, reason manifest.Reason) {
			L.Warn(ctx, "package disabled after failed verification", "package_id", id, "reason", reason.String())
		},
	})

	loop := runloop.New()
	pool := runloop.NewPool(conf.PoolWorkers)

	res := resolver.New(resolver.Options{
		Logger:           L,
		Canonicalization: canon,
		RebuildPolicy:    &rebuild,
		Metrics:          m,
	})

	coord, err := verifier.New(verifier.Options{
		Logger:   L,
		Loop:     loop,
		Pool:     pool,
		Resolver: res,
		Sources:  sources,
		Policy:   tracker,
		Classifier: pkgmeta.ClassifierOptions{
			Canonicalization: canon,
			Locales:          pkgmeta.NewLocaleSet(conf.Locales()...),
		},
		Metrics:     m,
		HashMetrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create verification coordinator")
		os.Exit(1)
	}

	store := catalog.NewStore()
	scn := scanner.New(scanner.Options{
		Logger:           L,
		Dir:              conf.PackagesDir,
		Coordinator:      coord,
		Store:            store,
		PollInterval:     conf.ScanInterval,
		Workers:          conf.VerifyWorkers,
		JobTimeout:       conf.JobTimeout,
		Canonicalization: canon,
		Metrics:          m,
		StaleThreshold:   conf.StaleThreshold,
		Skip:             tracker.Disabled,
		// a removed or upgraded package starts with a clean failure record
		OnChange: func(c catalog.Change) {
			if c.New == nil || c.Old == nil || c.Old.Metadata.Version != c.New.Metadata.Version {
				tracker.Forget(c.ID)
			}
		},
	})
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		if err := scn.Run(ctx); err != nil && ctx.Err() == nil {
			L.Error(ctx, err, "scanner stopped")
		}
	}()

	statusAPI := statushttp.NewAPI(store, coord, tracker, L)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once the packages dir has been scanned and scans are not stale
	readiness := health.All(
		gate.Probe(),
		health.Timeout(health.CheckFunc(scn.Ready), 2*time.Second),
	)

	// single admin listener for metrics, health checks, pprof and the status API
	// we reject connections from public ips and requests with x-forwarded set in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    statusAPI.RegisterRoutes,
		MetricsMW:    m.Middleware,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm, this also stops the scanner
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	// let the in-flight scan finish its files, a second signal skips the wait
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-scanDone:
		L.Info(context.Background(), "scanner stopped")
	case <-time.After(conf.JobTimeout + 5*time.Second):
		L.Warn(context.Background(), "scanner did not stop in time")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	coord.Shutdown()
	pool.Wait()
	loop.Close()

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
