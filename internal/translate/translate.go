// Package translate implements the Translator pass described in §9's
// design notes: rather than the source's dynamic response-body
// interceptors, this is an explicit pass applied to an assembled
// response DTO before serialization, keyed off a per-request
// preferredLanguage pulled from the auth context — a plain function
// call a handler makes once, not a mid-flight rewrite of bytes on the
// wire.
package translate

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Catalog is the set of message IDs the core ever surfaces directly to
// a client outside of free-form LLM output: job progress messages
// (§6.4's stage-specific, i18n-keyed strings) and PolicyGate/errs
// denial reasons. Seed with message.SetString per locale at startup;
// an unseeded key falls back to the key itself untranslated.
type Catalog struct {
	printers map[language.Tag]*message.Printer
	matcher  language.Matcher
}

// NewCatalog builds a Catalog that can translate into any of supported.
// The first tag is the fallback used when a request's preferredLanguage
// doesn't match any supported tag.
func NewCatalog(supported ...language.Tag) *Catalog {
	printers := make(map[language.Tag]*message.Printer, len(supported))
	for _, tag := range supported {
		printers[tag] = message.NewPrinter(tag)
	}
	return &Catalog{printers: printers, matcher: language.NewMatcher(supported)}
}

// Set registers a translation for key under tag.
func (c *Catalog) Set(tag language.Tag, key, translation string) {
	_ = message.SetString(tag, key, translation)
}

// Translate resolves preferredLanguage (a BCP-47 tag string, e.g. "es"
// or "pt-BR") to the closest supported locale and renders key with the
// given substitution args. An unparseable preferredLanguage falls back
// to the catalog's first configured locale.
func (c *Catalog) Translate(preferredLanguage, key string, args ...interface{}) string {
	tag, err := language.Parse(preferredLanguage)
	if err != nil {
		tag = language.Und
	}
	matched, _, _ := c.matcher.Match(tag)
	p, ok := c.printers[matched]
	if !ok {
		return key
	}
	return p.Sprintf(key, args...)
}

// JobProgressMessage translates a job stage's i18n message key (§6.4)
// for one user's preferredLanguage, falling back to the raw key if the
// stage has no registered translation.
func (c *Catalog) JobProgressMessage(preferredLanguage, stageKey string, args ...interface{}) string {
	return c.Translate(preferredLanguage, stageKey, args...)
}
