package pkgmeta

import "strings"

const (
	// LocalesDir holds per-locale message catalogs.
	LocalesDir = "_locales"
	// MessagesFile is the catalog basename inside each locale directory.
	MessagesFile = "messages.json"
	// MetadataDir holds the verifier's own persisted files.
	MetadataDir = "_metadata"
)

// defaultLocales is the set of locale directory names a package may ship.
var defaultLocales = []string{
	"af", "am", "ar", "as", "az", "be", "bg", "bn", "bs", "ca", "cs", "cy",
	"da", "de", "el", "en", "en_AU", "en_CA", "en_GB", "en_IN", "en_US",
	"es", "es_419", "et", "eu", "fa", "fi", "fil", "fr", "fr_CA", "gl",
	"gu", "he", "hi", "hr", "hu", "hy", "id", "is", "it", "ja", "ka", "kk",
	"km", "kn", "ko", "ky", "lo", "lt", "lv", "mk", "ml", "mn", "mr", "ms",
	"my", "nb", "ne", "nl", "no", "or", "pa", "pl", "pt", "pt_BR", "pt_PT",
	"ro", "ru", "si", "sk", "sl", "sq", "sr", "sr_Latn", "sv", "sw", "ta",
	"te", "th", "tr", "uk", "ur", "uz", "vi", "zh", "zh_CN", "zh_HK",
	"zh_TW", "zu",
}

// LocaleSet is a case-insensitive set of recognized locale codes.
type LocaleSet map[string]struct{}

// NewLocaleSet returns the default locales plus any extras.
func NewLocaleSet(extra ...string) LocaleSet {
	s := make(LocaleSet, len(defaultLocales)+len(extra))
	for _, l := range defaultLocales {
		s[localeKey(l)] = struct{}{}
	}
	for _, l := range extra {
		if l = strings.TrimSpace(l); l != "" {
			s[localeKey(l)] = struct{}{}
		}
	}
	return s
}

// Contains matches ignoring ASCII case; "-" and "_" are interchangeable.
func (s LocaleSet) Contains(code string) bool {
	if code == "" {
		return false
	}
	_, ok := s[localeKey(code)]
	return ok
}

func localeKey(code string) string {
	return strings.ToLower(strings.ReplaceAll(code, "-", "_"))
}
