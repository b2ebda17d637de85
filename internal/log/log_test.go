package log

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"  Error\n", slog.LevelError},
		{"warning", slog.LevelWarn},
		{"-4", slog.LevelDebug},
		{"2", slog.Level(2)},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "trace", "fatal", "1.5"} {
		_, err := ParseLevel(bad)
		if err == nil {
			t.Errorf("ParseLevel(%q): expected error", bad)
			continue
		}
		if !strings.Contains(err.Error(), "debug|info|warn|error") {
			t.Errorf("ParseLevel(%q) error should list valid levels: %v", bad, err)
		}
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	ctx := context.Background()

	// every method is safe, including odd and nil arguments
	l.Debug(ctx, "d", "k")
	l.Info(ctx, "i", 1, 2)
	l.Warn(ctx, "w")
	l.Error(ctx, nil, "e")
	l.Error(ctx, errors.New("boom"), "e", "package_id", "abc")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if l.With("a", 1).With() != l {
		t.Fatal("Nop With should return the same logger")
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield Nop")
	}

	var nilLogger Logger
	if _, ok := FromContext(WithContext(context.Background(), nilLogger)).(nopLogger); !ok {
		t.Fatal("nil logger in context should yield Nop")
	}

	if _, ok := FromContext(context.WithValue(context.Background(), ctxKey{}, "not a logger")).(nopLogger); !ok {
		t.Fatal("wrong value type should yield Nop")
	}

	a := Nop().With("component", "scanner")
	b, err := New(Options{App: "pkgverifyd", Writer: &strings.Builder{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parent := WithContext(context.Background(), a)
	child := WithContext(parent, b)
	if FromContext(child) != b {
		t.Fatal("child context should carry the overriding logger")
	}
	if FromContext(parent) != a {
		t.Fatal("parent context must be unaffected by the child")
	}
}
