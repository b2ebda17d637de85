package pathutil

import (
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	dot := []string{".", "..", "a/./b", "a/../b", "a/.", "/./", "/../", "../pkg-a"}
	clean := []string{"", "a/b", "/...", ".hidden/file", "a/..b", "v1.2.3/", "a..b"}

	for _, p := range dot {
		if !HasDotSegments(p) {
			t.Errorf("HasDotSegments(%q) = false, want true", p)
		}
	}
	for _, p := range clean {
		if HasDotSegments(p) {
			t.Errorf("HasDotSegments(%q) = true, want false", p)
		}
	}
}

func TestIsSafeSegment(t *testing.T) {
	// package ids and versions as they appear under the packages directory
	for _, s := range []string{"pkg-a", "org.example.reader", "1.2.3", "1.0.0-rc.1", ".hidden", "v_2"} {
		if !IsSafeSegment(s) {
			t.Errorf("IsSafeSegment(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", ".", "..", "a/b", `a\b`, "a\x00b", "tab\there", "del\x7f", "../etc"} {
		if IsSafeSegment(s) {
			t.Errorf("IsSafeSegment(%q) = true, want false", s)
		}
	}
}

func FuzzIsSafeSegment(f *testing.F) {
	for _, s := range []string{"pkg-a", "..", "a/b", "...", `a\b`, ""} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		if !IsSafeSegment(s) {
			return
		}
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
			t.Fatalf("IsSafeSegment(%q) accepted an unsafe segment", s)
		}
		for _, r := range s {
			if r < 0x20 || r == 0x7f {
				t.Fatalf("IsSafeSegment(%q) accepted a control character", s)
			}
		}
	})
}
