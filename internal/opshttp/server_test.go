package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/health"
	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/log"
)

// test helpers

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startOps(t *testing.T, opts Options) int {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = getFreePort(t)
	}
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = stop(ctx) })
	return opts.Port
}

func opsGet(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	addr := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET %s: %v", addr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

// serve runs one request through NewHandler from a loopback peer.
func serve(t *testing.T, opts Options, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	NewHandler(log.Nop(), opts).ServeHTTP(rec, req)
	return rec
}

// Start - lifecycle

func TestStart_ServesProbes(t *testing.T) {
	port := startOps(t, Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "scanner: packages directory not scanned yet"),
	})

	if code, body := opsGet(t, port, "/-/healthy"); code != http.StatusOK || !strings.Contains(body, "ok") {
		t.Fatalf("healthy: %d %q", code, body)
	}
	if code, body := opsGet(t, port, "/-/ready"); code != http.StatusServiceUnavailable || !strings.Contains(body, "not scanned yet") {
		t.Fatalf("ready: %d %q", code, body)
	}
}

func TestStart_GracefulShutdown(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code, _ := opsGet(t, port, "/-/healthy"); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_StopIdempotent(t *testing.T) {
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), Options{Port: getFreePort(t)})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop1, err := Start(ctx, log.Nop(), Options{Port: port})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	if _, err := Start(ctx, log.Nop(), Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

// Routes

func TestHandler_Metrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# HELP fake_metric\n"))
	})

	rec := serve(t, Options{Metrics: metricsHandler}, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fake_metric") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}

	if rec := serve(t, Options{}, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("no metrics handler: status = %d, want 404", rec.Code)
	}
}

func TestHandler_Pprof(t *testing.T) {
	if rec := serve(t, Options{EnablePprof: true}, "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("enabled: status = %d, want 200", rec.Code)
	}
	if rec := serve(t, Options{EnablePprof: false}, "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled: status = %d, want 404", rec.Code)
	}
	if rec := serve(t, Options{EnablePprof: false}, "/debug/pprof/heap"); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled heap: status = %d, want 404", rec.Code)
	}
}

func TestHandler_APIRoutesAndHeaders(t *testing.T) {
	opts := Options{
		APIRoutes: func(r chi.Router) {
			r.Get("/api/packages", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"packages":[]}`))
			})
		},
	}
	rec := serve(t, opts, "/api/packages")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "packages") {
		t.Fatalf("api: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestHandler_RecoverAndMetricsMiddleware(t *testing.T) {
	panics := 0
	instrumented := 0
	opts := Options{
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		MetricsMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				instrumented++
				next.ServeHTTP(w, r)
			})
		},
		APIRoutes: func(r chi.Router) {
			r.Get("/api/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
		},
	}
	rec := serve(t, opts, "/api/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 || instrumented != 1 {
		t.Fatalf("panics = %d, instrumented = %d", panics, instrumented)
	}
}

func TestHandler_RejectsPublicPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody)
	req.RemoteAddr = "8.8.8.8:1234"
	rec := httptest.NewRecorder()
	NewHandler(log.Nop(), Options{}).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestShouldTrace(t *testing.T) {
	for p, want := range map[string]bool{
		"/api/packages":          true,
		"/api/packages/x":        true,
		"/-/healthy":             false,
		"/-/ready":               false,
		"/metrics":               false,
		"/debug/pprof/goroutine": false,
	} {
		if got := shouldTrace(p); got != want {
			t.Errorf("shouldTrace(%q) = %v, want %v", p, got, want)
		}
	}
}

// requireNonPublicNetwork

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote    string
		forwarded string
		want      int
	}{
		{"127.0.0.1:12345", "", http.StatusOK},
		{"[::1]:12345", "", http.StatusOK},
		{"10.0.0.1:8080", "", http.StatusOK},
		{"172.16.0.1:8080", "", http.StatusOK},
		{"192.168.1.1:8080", "", http.StatusOK},
		{"169.254.1.1:8080", "", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", "", http.StatusOK},
		{"8.8.8.8:12345", "", http.StatusForbidden},
		{"203.0.113.1:80", "", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", "", http.StatusForbidden},
		{"not-an-address", "", http.StatusForbidden},
		{"", "", http.StatusForbidden},
		{"999.999.999.999:8080", "", http.StatusForbidden},
		{"10.0.0.1:8080", "8.8.8.8", http.StatusForbidden},
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/-/healthy", http.NoBody)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("remote=%q forwarded=%q: status = %d, want %d", tt.remote, tt.forwarded, rec.Code, tt.want)
		}
	}
}
