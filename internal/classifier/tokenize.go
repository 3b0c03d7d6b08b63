package classifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/themis-data/enrich-cli/internal/model"
)

// foldDiacritics strips combining marks so "café" tokenizes as "cafe".
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// tokenize lowercases, folds diacritics, and splits on any run of
// non-alphanumeric characters.
func tokenize(s string) []string {
	folded, _, err := transform.String(foldDiacritics, s)
	if err != nil {
		folded = s
	}
	lower := strings.ToLower(folded)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// itemText concatenates every free-text feature of an item into the
// single string both scoring phases operate on.
func itemText(item model.CandidateItem) string {
	parts := make([]string, 0, 4+len(item.Tags))
	for _, s := range []string{item.Name, item.Description, item.Category, item.Vendor} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, item.Tags...)
	return strings.Join(parts, " ")
}
