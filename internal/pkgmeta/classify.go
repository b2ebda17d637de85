package pkgmeta

import "strings"

type pathSet map[string]struct{}

func (s pathSet) has(p string) bool {
	_, ok := s[p]
	return ok
}

// Classifier is the compiled, immutable form of a Metadata used to
// classify paths. Build one with Compile; it never observes later changes
// to the Metadata it was built from.
type Classifier struct {
	canon   Canonicalization
	locales LocaleSet

	manifestFile        string
	backgroundPage      string
	serviceWorkerScript string
	backgroundScripts   pathSet
	contentScripts      pathSet
	browserImages       pathSet
	generatedIndexes    pathSet

	localesDir   string
	messagesFile string
	metadataDir  string
}

// ClassifierOptions tunes path comparison. The zero value compares
// case-sensitively against the default locale set.
type ClassifierOptions struct {
	Canonicalization Canonicalization
	Locales          LocaleSet
}

// Compile canonicalizes every declared path of m once. Declared paths may
// carry leading "/" or "./"; they are normalized the same way requested
// paths are.
func Compile(m *Metadata, opts ClassifierOptions) *Classifier {
	locales := opts.Locales
	if locales == nil {
		locales = NewLocaleSet()
	}
	c := &Classifier{
		canon:   opts.Canonicalization,
		locales: locales,
	}
	canonical := func(p string) string {
		return c.canon.Canonical(NormalizeRelativePath(p))
	}
	set := func(paths []string) pathSet {
		s := make(pathSet, len(paths))
		for _, p := range paths {
			if cp := canonical(p); cp != "" {
				s[cp] = struct{}{}
			}
		}
		return s
	}

	c.manifestFile = canonical(m.manifestFile())
	c.backgroundPage = canonical(m.BackgroundPage)
	c.serviceWorkerScript = canonical(m.ServiceWorkerScript)
	c.backgroundScripts = set(m.BackgroundScripts)
	c.contentScripts = set(m.ContentScripts)
	c.browserImages = set(m.BrowserImages)
	c.generatedIndexes = set(m.GeneratedIndexes)
	c.localesDir = c.canon.Canonical(LocalesDir)
	c.messagesFile = c.canon.Canonical(MessagesFile)
	c.metadataDir = c.canon.Canonical(MetadataDir)
	return c
}

// Classify returns the verified kind of a normalized relative path.
// First match wins:
//
//  1. the manifest file (and the verifier's own _metadata dir) -> none
//  2. declared background page -> background-page
//  3. declared service worker script -> service-worker-script
//  4. declared background scripts -> background-script
//  5. declared content scripts -> content-script
//  6. *.js -> script-file
//  7. *.html, *.htm -> markup-file
//  8. host-rewritten images -> none
//  9. generated index files -> none
//  10. _locales/<recognized locale>/messages.json -> none
//  11. anything else -> misc-file
func (c *Classifier) Classify(rel string) Kind {
	if rel == "" {
		return KindNone
	}
	p := c.canon.Canonical(rel)
	if p == "" {
		return KindNone
	}

	if p == c.manifestFile || p == c.metadataDir || strings.HasPrefix(p, c.metadataDir+"/") {
		return KindNone
	}
	if c.backgroundPage != "" && p == c.backgroundPage {
		return KindBackgroundPage
	}
	if c.serviceWorkerScript != "" && p == c.serviceWorkerScript {
		return KindServiceWorkerScript
	}
	if c.backgroundScripts.has(p) {
		return KindBackgroundScript
	}
	if c.contentScripts.has(p) {
		return KindContentScript
	}

	// scripts and pages are always verified, whatever else they match
	if hasExtFold(p, ".js") {
		return KindScriptFile
	}
	if hasExtFold(p, ".html", ".htm") {
		return KindMarkupFile
	}

	if c.browserImages.has(p) || c.generatedIndexes.has(p) {
		return KindNone
	}
	if c.isMessageCatalog(p) {
		return KindNone
	}
	return KindMiscFile
}

// isMessageCatalog matches _locales/<locale>/messages.json. Catalogs are
// transcoded at install so their bytes never match.
func (c *Classifier) isMessageCatalog(p string) bool {
	if !strings.HasPrefix(p, c.localesDir+"/") {
		return false
	}
	dir, base := splitDirBase(p)
	if base != c.messagesFile {
		return false
	}
	parent, locale := splitDirBase(dir)
	return parent == c.localesDir && c.locales.Contains(locale)
}

// Classify compiles m with default options and classifies one path.
// Callers classifying many paths should Compile once instead.
func Classify(m *Metadata, rel string) Kind {
	return Compile(m, ClassifierOptions{}).Classify(NormalizeRelativePath(rel))
}
