package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// IsSafeSegment reports whether s can be used as exactly one component of
// an object key or file path: non-empty, not a dot segment, and free of
// separators and control characters.
func IsSafeSegment(s string) bool {
	if s == "" || HasDotSegments(s) {
		return false
	}
	for _, r := range s {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
