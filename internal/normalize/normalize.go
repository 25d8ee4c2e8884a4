// Package normalize provides the text normalization primitives the
// dedupe-key and matching engines share. All functions are pure and
// idempotent: normalizing already-normalized text is a no-op.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	punctRe      = regexp.MustCompile(`[!"#$%&'()*+,\-./:;<=>?@\[\\\]^_` + "`" + `{|}~«»„“”‘’–—]`)

	// foldDiacritics strips combining marks after NFD decomposition,
	// so "Zürich" and "Zurich" normalize identically.
	foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Title normalizes an event title: lowercase, diacritics folded,
// punctuation stripped, whitespace collapsed.
func Title(s string) string {
	s = fold(strings.ToLower(s))
	s = punctRe.ReplaceAllString(s, " ")
	return collapse(s)
}

// Venue normalizes a venue/location name the way Title does, plus the
// "str." to "strasse" expansion and trailing punctuation trim common in
// Swiss address text.
func Venue(s string) string {
	s = fold(strings.ToLower(s))
	// "Bahnhofstr. 5" and "Bahnhofstrasse 5" must collapse to the
	// same venue text.
	s = strings.ReplaceAll(s, "str.", "strasse")
	s = strings.TrimRight(s, ".,;:- ")
	s = punctRe.ReplaceAllString(s, " ")
	return collapse(s)
}

// TokenSet splits normalized text into a set of whitespace tokens.
func TokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// Jaccard computes set similarity in [0,1]. Two empty sets score 0,
// not 1: absence of text is absence of signal.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// junk title rules: structural scraper noise, not content judgments.
var junkExact = map[string]bool{
	"veranstaltungen": true,
	"agenda":          true,
	"events":          true,
	"kalender":        true,
	"termine":         true,
	"mehr":            true,
	"weiterlesen":     true,
}

var junkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^seite \d+`),
	regexp.MustCompile(`^\d+$`),
	regexp.MustCompile(`^(mo|di|mi|do|fr|sa|so)[, ]`),
	regexp.MustCompile(`cookie|javascript|404`),
}

// IsJunkTitle reports whether a title is structural noise (navigation
// headers, pagination, weekday labels) rather than an event name.
// Deterministic substring/regex rules only.
func IsJunkTitle(s string) bool {
	n := Title(s)
	if len(n) < 3 {
		return true
	}
	if junkExact[n] {
		return true
	}
	for _, re := range junkPatterns {
		if re.MatchString(n) {
			return true
		}
	}
	return false
}

func fold(s string) string {
	out, _, err := transform.String(foldDiacritics, s)
	if err != nil {
		return s
	}
	return out
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
