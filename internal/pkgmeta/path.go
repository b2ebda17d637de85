package pkgmeta

import "strings"

// NormalizeRelativePath converts "//foo/bar", "./foo/bar", "/foo/bar" and
// "foo\bar" to "foo/bar". Any path that references a parent directory
// normalizes to "" (which classifies as KindNone). A trailing separator is
// preserved.
func NormalizeRelativePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return ""
	}
	trailing := strings.HasSuffix(p, "/")

	parts := strings.Split(p, "/")
	kept := parts[:0]
	for _, part := range parts {
		switch part {
		case "..":
			return ""
		case "", ".":
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return ""
	}
	out := strings.Join(kept, "/")
	if trailing {
		out += "/"
	}
	return out
}

// Canonicalization controls how normalized paths are compared.
type Canonicalization struct {
	// CaseInsensitive folds ASCII case, for hosts whose filesystem does.
	CaseInsensitive bool
	// TrimDotSpace strips trailing dots and spaces, which some filesystems
	// silently drop ("bg.js." opens "bg.js").
	TrimDotSpace bool
}

// Canonical returns the comparison form of an already normalized path.
func (c Canonicalization) Canonical(p string) string {
	if c.TrimDotSpace {
		p = strings.TrimRight(p, ". ")
	}
	if c.CaseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

func hasExtFold(p string, exts ...string) bool {
	i := strings.LastIndexByte(p, '.')
	if i < 0 || strings.Contains(p[i:], "/") {
		return false
	}
	ext := p[i:]
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// splitDirBase splits "a/b/c" into ("a/b", "c"); "c" into ("", "c").
func splitDirBase(p string) (string, string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}
