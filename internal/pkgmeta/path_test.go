package pkgmeta

import "testing"

func TestNormalizeRelativePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"foo/bar", "foo/bar"},
		{"//foo/bar", "foo/bar"},
		{"./foo/bar", "foo/bar"},
		{"/foo/bar", "foo/bar"},
		{`foo\bar`, "foo/bar"},
		{"foo//./bar", "foo/bar"},
		{"foo/", "foo/"},
		{"../foo", ""},
		{"foo/../bar", ""},
		{"", ""},
		{".", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := NormalizeRelativePath(tt.in); got != tt.want {
			t.Errorf("NormalizeRelativePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalization(t *testing.T) {
	c := Canonicalization{CaseInsensitive: true, TrimDotSpace: true}
	if got := c.Canonical("BG.js. "); got != "bg.js" {
		t.Fatalf("Canonical = %q, want bg.js", got)
	}
	if got := (Canonicalization{}).Canonical("BG.js."); got != "BG.js." {
		t.Fatalf("zero Canonicalization should be identity, got %q", got)
	}
}

func TestHasExtFold(t *testing.T) {
	if !hasExtFold("a/b.JS", ".js") {
		t.Fatal("extension match should ignore case")
	}
	if hasExtFold("a.js/b", ".js") {
		t.Fatal("directory extension should not match")
	}
	if hasExtFold("noext", ".js") {
		t.Fatal("no extension should not match")
	}
}

func TestLocaleSet(t *testing.T) {
	s := NewLocaleSet("xx-YY")
	for _, code := range []string{"en", "EN", "en-US", "pt_br", "xx_yy"} {
		if !s.Contains(code) {
			t.Errorf("Contains(%q) = false", code)
		}
	}
	if s.Contains("zz") || s.Contains("") {
		t.Fatal("unexpected locale match")
	}
}
