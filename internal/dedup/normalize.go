package dedup

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes matches trailing legal-entity markers once punctuation
// has been stripped ("acme corp", "acme inc").
var legalSuffixes = regexp.MustCompile(
	`\s+(llc|inc|incorporated|corp|corporation|co|company|ltd|limited|llp|plc|gmbh|sa|bv)$`)

// editionSuffixes matches trailing edition qualifiers on product names
// ("pro edition", "enterprise edition", bare "edition").
var editionSuffixes = regexp.MustCompile(
	`\s+((standard|professional|pro|premium|basic|enterprise|business)\s+)?edition$`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize produces the comparison form of an item name: lowercase,
// diacritics folded, punctuation collapsed to spaces, legal-entity and
// edition suffixes stripped. Alias lookups and fuzzy matching both
// operate on this form.
func Normalize(name string) string {
	n, _, err := transform.String(foldDiacritics, name)
	if err != nil {
		n = name
	}
	n = strings.ToLower(n)
	n = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, n)
	n = multiSpace.ReplaceAllString(strings.TrimSpace(n), " ")
	n = legalSuffixes.ReplaceAllString(n, "")
	n = editionSuffixes.ReplaceAllString(n, "")
	return strings.TrimSpace(n)
}
