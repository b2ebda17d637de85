package pkgmeta

import (
	"fmt"
	"strings"
)

// Kind is the verified file kind of a package-relative path.
type Kind uint8

const (
	KindNone Kind = iota
	KindBackgroundPage
	KindBackgroundScript
	KindServiceWorkerScript
	KindContentScript
	KindScriptFile
	KindMarkupFile
	KindMiscFile

	kindCount
)

var kindNames = [kindCount]string{
	KindNone:                "none",
	KindBackgroundPage:      "background-page",
	KindBackgroundScript:    "background-script",
	KindServiceWorkerScript: "service-worker-script",
	KindContentScript:       "content-script",
	KindScriptFile:          "script-file",
	KindMarkupFile:          "markup-file",
	KindMiscFile:            "misc-file",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Verifiable reports whether files of this kind are checked at all.
func (k Kind) Verifiable() bool { return k != KindNone && k < kindCount }

// KindSet is a small set of verifiable kinds. KindNone is never a member.
type KindSet uint16

// NewKindSet builds a set, silently dropping KindNone.
func NewKindSet(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s = s.Add(k)
	}
	return s
}

func (s KindSet) Add(k Kind) KindSet {
	if !k.Verifiable() {
		return s
	}
	return s | 1<<k
}

func (s KindSet) Has(k Kind) bool { return k.Verifiable() && s&(1<<k) != 0 }

func (s KindSet) Empty() bool { return s == 0 }

// Kinds lists members in declaration order.
func (s KindSet) Kinds() []Kind {
	var out []Kind
	for k := KindNone + 1; k < kindCount; k++ {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s KindSet) String() string {
	kinds := s.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}
