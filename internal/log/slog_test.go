package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-pkgverify/internal/xerrors"
)

// newTestLogger builds a slogLogger writing to buf so we can inspect output.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	if opts.App == "" {
		opts.App = "pkgverifyd"
	}
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// jsonRecord parses the last JSON log line in buf.
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, last)
	}
	return m
}

func TestNewSlog_Defaults(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{})
	if l.maxErrorLinks != 8 {
		t.Errorf("maxErrorLinks = %d, want 8", l.maxErrorLinks)
	}
	if sh, ok := l.h.(stackHandler); !ok || sh.level != slog.LevelError {
		t.Errorf("default stack handler = %#v, want level error", l.h)
	}
}

func TestNewSlog_BuildAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true, Version: "v1.4.0", BuildId: "b-123"})
	l.Info(context.Background(), "started")

	m := jsonRecord(t, &buf)
	if m["app"] != "pkgverifyd" || m["version"] != "v1.4.0" || m["build_id"] != "b-123" {
		t.Fatalf("build attrs missing: %v", m)
	}
	if _, ok := m["commit"]; ok {
		t.Fatal("empty commit should be omitted")
	}
	if m["msg"] != "started" {
		t.Fatalf("msg = %v", m["msg"])
	}
}

func TestNewSlog_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: false})
	l.Info(context.Background(), "scan complete", "packages", 3)

	out := buf.String()
	if !strings.Contains(out, "msg=\"scan complete\"") || !strings.Contains(out, "packages=3") {
		t.Fatalf("unexpected logfmt output: %s", out)
	}
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true, Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered at warn: %s", buf.String())
	}
	l.Warn(ctx, "w", "package_id", "abc")
	m := jsonRecord(t, &buf)
	if m["level"] != "WARN" || m["package_id"] != "abc" {
		t.Fatalf("warn record = %v", m)
	}
}

func TestSlogLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{JsonFormat: true, IncludeErrorLinks: true, MaxErrorLinks: 3})

	// odd trailing arg and non-string keys are dropped
	scoped := base.With("component", "scanner", 42, "ignored", "dangling")
	scoped.Info(context.Background(), "poll")
	m := jsonRecord(t, &buf)
	if m["component"] != "scanner" {
		t.Fatalf("component = %v", m["component"])
	}
	if _, ok := m["dangling"]; ok {
		t.Fatal("dangling key should be dropped")
	}

	// copy-on-write: the parent does not see the child's attrs
	buf.Reset()
	base.Info(context.Background(), "base")
	if _, ok := jsonRecord(t, &buf)["component"]; ok {
		t.Fatal("With must not mutate the parent")
	}

	sl := scoped.(*slogLogger)
	if !sl.includeErrorLinks || sl.maxErrorLinks != 3 {
		t.Fatal("With must preserve error link config")
	}
}

func TestSlogLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true, IncludeErrorLinks: true})

	root := errors.New("connection reset")
	err := xerrors.Wrap(fmt.Errorf("fetch envelope: %w", root), "resolve signed manifest")
	l.Error(context.Background(), err, "resolution failed", "package_id", "abc")

	m := jsonRecord(t, &buf)
	if m["err"] == nil || m["package_id"] != "abc" {
		t.Fatalf("error record = %v", m)
	}
	if m["error_type"] != "*errors.errorString" && m["error_type"] != "*fmt.wrapError" {
		// surface skips xerrors and fmt wrappers
		t.Errorf("error_type = %v", m["error_type"])
	}
	if m["cause_type"] != "*errors.errorString" {
		t.Errorf("cause_type = %v", m["cause_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Errorf("error_chain = %v, want 3 links", chain)
	}
	if _, ok := m["error_links"]; !ok {
		t.Error("error_links missing with IncludeErrorLinks")
	}
	if _, ok := m["stack"]; !ok {
		t.Error("stack missing at error level")
	}

	buf.Reset()
	l.Error(context.Background(), nil, "nil error")
	m = jsonRecord(t, &buf)
	if _, ok := m["err"]; ok {
		t.Fatal("nil error should not add err")
	}
}

func TestOtelHandler(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true})

	l.Info(context.Background(), "no trace")
	if _, ok := jsonRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("trace_id should not be present without a span")
	}

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	l.Info(trace.ContextWithSpanContext(context.Background(), sc), "traced")

	m := jsonRecord(t, &buf)
	if m["trace_id"] != "0102030405060708090a0b0c0d0e0f10" || m["span_id"] != "0102030405060708" {
		t.Fatalf("trace fields = %v/%v", m["trace_id"], m["span_id"])
	}
}

func TestStackHandler_UsesErrorStack(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true, Level: slog.LevelWarn, StacktraceLevel: slog.LevelWarn})

	l.Warn(context.Background(), "warn with stack")
	s, _ := jsonRecord(t, &buf)["stack"].(string)
	if s == "" || strings.HasPrefix(s, "log/slog.") {
		t.Fatalf("captured stack should start past the logger: %q", s)
	}

	// an error that carries its own stack is rendered instead of capturing
	err := xerrors.New("tampered")
	l.Error(context.Background(), err, "with error stack")
	got, _ := jsonRecord(t, &buf)["stack"].(string)
	want := renderPCs(err.(interface{ StackPCs() []uintptr }).StackPCs())
	if got != want {
		t.Fatalf("stack = %q, want the error's own stack %q", got, want)
	}

	buf.Reset()
	quiet := newTestLogger(t, &buf, Options{JsonFormat: true, Level: slog.LevelInfo})
	quiet.Warn(context.Background(), "below stack level")
	if _, ok := jsonRecord(t, &buf)["stack"]; ok {
		t.Fatal("stack should not be added below StacktraceLevel")
	}
}

func TestErrorChain(t *testing.T) {
	if got := errorChain(nil); len(got) != 0 {
		t.Fatalf("nil error chain = %v", got)
	}

	// identical messages from pass-through wrappers collapse
	base := errors.New("corrupt")
	if got := errorChain(xerrors.WithStack(base)); len(got) != 1 {
		t.Fatalf("dedup chain = %v", got)
	}

	// joins are expanded even below a wrapper
	joined := errors.Join(errors.New("a.js"), errors.New("b.js"))
	got := errorChain(fmt.Errorf("verify: %w", joined))
	want := []string{"verify: a.js\nb.js", "a.js\nb.js", "a.js", "b.js"}
	if len(got) != len(want) {
		t.Fatalf("chain = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

type customError struct{ msg string }

func (e *customError) Error() string { return e.msg }

func TestClassifyTypes(t *testing.T) {
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Fatalf("nil = %q/%q", s, r)
	}
	err := xerrors.Wrap(fmt.Errorf("ctx: %w", &customError{"bad"}), "outer")
	s, r := classifyTypes(err)
	if s != "*log.customError" {
		t.Errorf("surface = %q, want *log.customError", s)
	}
	if r != "*log.customError" {
		t.Errorf("root = %q, want *log.customError", r)
	}
}

func TestChainLinks(t *testing.T) {
	if got := chainLinks(nil, 5); len(got) != 0 {
		t.Fatalf("nil links = %v", got)
	}

	err := xerrors.Wrap(xerrors.Wrap(xerrors.New("root"), "mid"), "top")
	links := chainLinks(err, 2)
	if len(links) != 2 {
		t.Fatalf("links = %d, want max 2", len(links))
	}
	if links[0]["msg"] != "top: mid: root" {
		t.Errorf("first link msg = %v", links[0]["msg"])
	}
	if _, ok := links[0]["line"]; !ok {
		t.Error("wrap links should carry their position")
	}

	// zero max means no limit
	if got := chainLinks(err, 0); len(got) < 3 {
		t.Errorf("unbounded links = %d, want at least 3", len(got))
	}
}

func TestFrameHelpers(t *testing.T) {
	if _, _, _, ok := frameFromPC(0); ok {
		t.Error("frameFromPC(0) should fail")
	}
	if _, _, _, ok := firstExtFrame(nil); ok {
		t.Error("firstExtFrame(nil) should fail")
	}
	if !internalFrame("log/slog.(*Logger).Info") || internalFrame("main.main") {
		t.Error("internalFrame misclassified")
	}
}
